// Package ollama is the Ollama backend used by summarize.
//
// It carries its own message types so the llm package can wrap it without
// an import cycle.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/sirupsen/logrus"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "llama3.2"

var (
	ErrProviderUnavailable = errors.New("ollama is not reachable")
	ErrModelNotFound       = errors.New("ollama model not found")
	ErrContextCanceled     = errors.New("operation was canceled")
	errNoMessages          = errors.New("no messages to send")
)

// Config selects the server and the runner settings.
type Config struct {
	// Host is the API endpoint, e.g. "http://localhost:11434". Empty falls
	// back to OLLAMA_HOST.
	Host      string
	Model     string
	KeepAlive string // e.g. "5m"
	NumCtx    int
}

type Message struct {
	Role    string
	Content string
}

type ChatOptions struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// Response is a complete, non-streamed answer.
type Response struct {
	Content      string
	Model        string
	TokensPrompt int
	TokensTotal  int
}

// StreamEvent is one chunk of a streamed answer. An event with Error set
// is the last one.
type StreamEvent struct {
	Content string
	Done    bool
	Error   error
}

// Provider is a thin client over the Ollama chat API.
type Provider struct {
	client    *api.Client
	model     string
	numCtx    int
	keepAlive *api.Duration
	logger    logrus.FieldLogger
}

// New returns a Provider. An unparsable KeepAlive is logged and ignored.
func New(cfg Config, logger logrus.FieldLogger) (*Provider, error) {
	if logger == nil {
		return nil, errors.New("ollama: nil logger")
	}
	log := logger.WithField("provider", "ollama")

	client, err := newClient(cfg.Host)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		client: client,
		model:  cfg.Model,
		numCtx: cfg.NumCtx,
		logger: log,
	}
	if p.model == "" {
		p.model = DefaultModel
	}
	if cfg.KeepAlive != "" {
		d, err := time.ParseDuration(cfg.KeepAlive)
		if err != nil {
			log.WithField("keep_alive", cfg.KeepAlive).Warn("ignoring unparsable keep_alive")
		} else {
			p.keepAlive = &api.Duration{Duration: d}
		}
	}
	log.WithFields(logrus.Fields{"host": cfg.Host, "model": p.model}).Debug("ollama client ready")
	return p, nil
}

func newClient(host string) (*api.Client, error) {
	if host == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return client, nil
	}
	u, err := url.Parse(host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ollama host %q", host)
	}
	return api.NewClient(u, http.DefaultClient), nil
}

// Model returns the default model name.
func (p *Provider) Model() string { return p.model }

func (p *Provider) buildRequest(messages []Message, opts *ChatOptions, stream bool) *api.ChatRequest {
	var o ChatOptions
	if opts != nil {
		o = *opts
	}
	if o.Model == "" {
		o.Model = p.model
	}

	req := &api.ChatRequest{
		Model:     o.Model,
		Messages:  make([]api.Message, 0, len(messages)),
		Stream:    &stream,
		KeepAlive: p.keepAlive,
		Options:   map[string]interface{}{"temperature": o.Temperature},
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, api.Message{Role: m.Role, Content: m.Content})
	}
	if o.MaxTokens > 0 {
		req.Options["num_predict"] = o.MaxTokens
	}
	if p.numCtx > 0 {
		req.Options["num_ctx"] = p.numCtx
	}
	return req
}

// classify maps client errors onto the package sentinels.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrContextCanceled, err)
	}
	var se api.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrModelNotFound, se.ErrorMessage)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

func (p *Provider) logUsage(msg string, r api.ChatResponse) {
	p.logger.WithFields(logrus.Fields{
		"model":         r.Model,
		"prompt_tokens": r.PromptEvalCount,
		"eval_tokens":   r.EvalCount,
		"duration":      r.TotalDuration,
	}).Debug(msg)
}

// Chat returns the whole answer at once.
func (p *Provider) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error) {
	if len(messages) == 0 {
		return nil, errNoMessages
	}
	req := p.buildRequest(messages, opts, false)

	var last api.ChatResponse
	err := p.client.Chat(ctx, req, func(r api.ChatResponse) error {
		last = r
		return nil
	})
	if err != nil {
		p.logger.WithError(err).WithField("model", req.Model).Error("chat failed")
		return nil, classify(ctx, err)
	}
	p.logUsage("chat done", last)

	return &Response{
		Content:      last.Message.Content,
		Model:        last.Model,
		TokensPrompt: last.PromptEvalCount,
		TokensTotal:  last.PromptEvalCount + last.EvalCount,
	}, nil
}

// ChatStream streams the answer. The channel is closed after the final
// event; a failed or canceled stream ends with an event carrying Error.
func (p *Provider) ChatStream(ctx context.Context, messages []Message, opts *ChatOptions) (<-chan StreamEvent, error) {
	if len(messages) == 0 {
		return nil, errNoMessages
	}
	req := p.buildRequest(messages, opts, true)
	events := make(chan StreamEvent, 16)

	// send gives up when ctx is done so an abandoned reader never blocks
	// the goroutine.
	send := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(events)
		err := p.client.Chat(ctx, req, func(r api.ChatResponse) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Message.Content == "" && !r.Done {
				return nil
			}
			if r.Done {
				p.logUsage("chat stream done", r)
			}
			if !send(StreamEvent{Content: r.Message.Content, Done: r.Done}) {
				return ctx.Err()
			}
			return nil
		})
		if err == nil {
			return
		}
		p.logger.WithError(err).WithField("model", req.Model).Debug("chat stream ended early")
		// The buffer usually has room for the final event even after
		// cancellation.
		select {
		case events <- StreamEvent{Error: classify(ctx, err), Done: true}:
		default:
		}
	}()
	return events, nil
}

// Heartbeat returns nil when the server answers.
func (p *Provider) Heartbeat(ctx context.Context) error {
	if err := p.client.Heartbeat(ctx); err != nil {
		p.logger.WithError(err).Debug("heartbeat failed")
		return classify(ctx, err)
	}
	return nil
}

// ModelAvailable reports whether model, with or without a tag, has been
// pulled.
func (p *Provider) ModelAvailable(ctx context.Context, model string) (bool, error) {
	list, err := p.client.List(ctx)
	if err != nil {
		return false, classify(ctx, err)
	}
	for _, m := range list.Models {
		if m.Name == model || m.Model == model {
			return true, nil
		}
	}
	p.logger.WithFields(logrus.Fields{"model": model, "pulled": len(list.Models)}).Debug("model not pulled")
	return false, nil
}
