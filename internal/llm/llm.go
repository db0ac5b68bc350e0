package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/c2trail/c2trail/internal/config"
	"github.com/c2trail/c2trail/internal/llm/ollama"
	"github.com/sirupsen/logrus"
)

// Provider defines the interface for LLM interactions.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Chat sends messages and returns a complete response.
	Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error)

	// ChatStream sends messages and returns a channel of streaming events.
	// The channel is closed when the stream completes or fails.
	ChatStream(ctx context.Context, messages []Message, opts *ChatOptions) (<-chan StreamEvent, error)

	// Heartbeat returns nil if the provider is reachable.
	Heartbeat(ctx context.Context) error

	// ModelAvailable reports whether model is ready to serve.
	ModelAvailable(ctx context.Context, model string) (bool, error)
}

// Message represents a single message in a conversation.
type Message struct {
	// Role identifies the message sender: "system", "user", or "assistant"
	Role string

	Content string
}

// ChatOptions configures chat behavior.
// All fields are optional; nil opts uses provider defaults.
type ChatOptions struct {
	Model       string
	Temperature float32

	// MaxTokens limits the response length (0 = provider default)
	MaxTokens int
}

// Response represents a complete LLM response.
type Response struct {
	Content      string
	Model        string
	TokensPrompt int
	TokensTotal  int
}

// StreamEvent represents a single event in a streaming response.
// When Error is non-nil the stream is terminated.
type StreamEvent struct {
	Content string
	Done    bool
	Error   error
}

// Common errors returned by LLM providers.
var (
	ErrProviderUnavailable = errors.New("llm provider is not reachable")
	ErrModelNotFound       = errors.New("requested model is not available")
)

// NewProvider creates an LLM provider from the llm section of the
// configuration.
func NewProvider(cfg config.LLMConfig, logger logrus.FieldLogger) (Provider, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	providerType := strings.ToLower(cfg.Provider)
	logger.WithField("type", providerType).Debug("creating llm provider")

	switch providerType {
	case "ollama":
		p, err := ollama.New(ollama.Config{
			Host:      cfg.Ollama.Host,
			Model:     cfg.Ollama.Model,
			KeepAlive: cfg.Ollama.KeepAlive,
			NumCtx:    cfg.Ollama.NumCtx,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &ollamaAdapter{provider: p}, nil

	case "":
		return nil, errors.New("llm provider not specified in configuration")

	default:
		return nil, fmt.Errorf("unknown llm provider: %s (supported: ollama)", providerType)
	}
}

// ollamaAdapter adapts ollama.Provider to Provider.
type ollamaAdapter struct {
	provider *ollama.Provider
}

func toOllama(messages []Message, opts *ChatOptions) ([]ollama.Message, *ollama.ChatOptions) {
	msgs := make([]ollama.Message, len(messages))
	for i, msg := range messages {
		msgs[i] = ollama.Message{Role: msg.Role, Content: msg.Content}
	}
	if opts == nil {
		return msgs, nil
	}
	return msgs, &ollama.ChatOptions{
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
}

// unwrapErr maps ollama sentinels onto this package's.
func unwrapErr(err error) error {
	switch {
	case errors.Is(err, ollama.ErrProviderUnavailable):
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	case errors.Is(err, ollama.ErrModelNotFound):
		return fmt.Errorf("%w: %v", ErrModelNotFound, err)
	}
	return err
}

func (a *ollamaAdapter) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error) {
	msgs, o := toOllama(messages, opts)
	resp, err := a.provider.Chat(ctx, msgs, o)
	if err != nil {
		return nil, unwrapErr(err)
	}
	return &Response{
		Content:      resp.Content,
		Model:        resp.Model,
		TokensPrompt: resp.TokensPrompt,
		TokensTotal:  resp.TokensTotal,
	}, nil
}

func (a *ollamaAdapter) ChatStream(ctx context.Context, messages []Message, opts *ChatOptions) (<-chan StreamEvent, error) {
	msgs, o := toOllama(messages, opts)
	in, err := a.provider.ChatStream(ctx, msgs, o)
	if err != nil {
		return nil, unwrapErr(err)
	}

	out := make(chan StreamEvent, 10)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Error != nil {
				ev.Error = unwrapErr(ev.Error)
			}
			out <- StreamEvent{Content: ev.Content, Done: ev.Done, Error: ev.Error}
		}
	}()
	return out, nil
}

func (a *ollamaAdapter) Heartbeat(ctx context.Context) error {
	return unwrapErr(a.provider.Heartbeat(ctx))
}

func (a *ollamaAdapter) ModelAvailable(ctx context.Context, model string) (bool, error) {
	ok, err := a.provider.ModelAvailable(ctx, model)
	return ok, unwrapErr(err)
}
