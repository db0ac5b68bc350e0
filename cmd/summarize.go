package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/c2trail/c2trail/internal/config"
	"github.com/c2trail/c2trail/internal/llm"
	"github.com/c2trail/c2trail/internal/model"
	"github.com/c2trail/c2trail/internal/output"
	"github.com/c2trail/c2trail/internal/prompt"
	"github.com/c2trail/c2trail/internal/redact"
	"github.com/c2trail/c2trail/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Summarize one session timeline with a local LLM",
	Long: `Send the redacted timeline of one session to an Ollama model and stream
back a narrative suitable for the activity section of a report.

The session is selected by its beacon id or by its database row id.
Relative --since/--until values count back from the session's last entry.

Examples:
  c2trail summarize --session 4242
  c2trail summarize --session 4242 --prompt ttp_mapping
  c2trail summarize --session 4242 --prompt question --question "which hosts were reached?"
  c2trail summarize --session 4242 --since 30m --timeline`,
	RunE: runSummarize,
}

func init() {
	summarizeCmd.Flags().StringP("session", "s", "", "beacon id or row id of the session (required)")
	summarizeCmd.Flags().String("prompt", "narrative", "prompt type (narrative, ttp_mapping, question)")
	summarizeCmd.Flags().StringP("question", "q", "", "question for --prompt question")
	summarizeCmd.Flags().String("model", "", "override llm.ollama.model")
	summarizeCmd.Flags().String("since", "", "only entries after this time (absolute or relative, e.g. 1h)")
	summarizeCmd.Flags().String("until", "", "only entries before this time")
	summarizeCmd.Flags().Int("max-entries", 400, "cap on entries sent to the model")
	summarizeCmd.Flags().Bool("timeline", false, "print the redacted timeline instead of calling the model")
	summarizeCmd.Flags().String("color", "auto", "colour the timeline (auto, always, never)")
	_ = summarizeCmd.MarkFlagRequired("session")

	rootCmd.AddCommand(summarizeCmd)
}

func runSummarize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ref, _ := cmd.Flags().GetString("session")
	if ref == "" {
		return errors.New("--session is required")
	}
	promptName, _ := cmd.Flags().GetString("prompt")
	pt, err := prompt.ParseType(promptName)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	sess, err := findSession(ctx, st, ref)
	if err != nil {
		return err
	}

	filter := store.EntryFilter{SessionID: sess.ID}
	if err := timeWindow(ctx, cmd, st, sess, &filter); err != nil {
		return err
	}
	entries, err := st.Entries(ctx, filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("session %s has no entries in the selected window", ref)
	}

	redactor := redact.NewRedactor(cfg.Redaction, logger)
	for _, e := range entries {
		if content, changed := redactor.RedactEntry(e); changed {
			e.Content = content
		}
	}

	if show, _ := cmd.Flags().GetBool("timeline"); show {
		colorFlag, _ := cmd.Flags().GetString("color")
		w := output.New(cmd.OutOrStdout(), output.ParseFormat(viper.GetString("format")))
		return w.WriteEntries(entries, output.ParseColorMode(colorFlag))
	}

	truncated := 0
	if limit, _ := cmd.Flags().GetInt("max-entries"); limit > 0 && len(entries) > limit {
		truncated = len(entries) - limit
		entries = entries[:limit]
	}
	question, _ := cmd.Flags().GetString("question")
	messages, err := prompt.Build(pt, prompt.BuildOptions{
		Timeline:  prompt.FormatTimeline(entries, prompt.DefaultOutputLimit),
		Session:   prompt.DescribeSession(sess),
		TimeRange: prompt.TimeRange(sess),
		Question:  question,
		Truncated: truncated,
	})
	if err != nil {
		return err
	}

	provider, err := llm.NewProvider(cfg.LLM, logger)
	if err != nil {
		return err
	}
	if err := provider.Heartbeat(ctx); err != nil {
		return fmt.Errorf("%w (is ollama running?)", err)
	}

	modelName, _ := cmd.Flags().GetString("model")
	logger.WithFields(logrus.Fields{
		"session": ref,
		"entries": len(entries),
		"prompt":  pt,
	}).Debug("requesting summary")

	stream, err := provider.ChatStream(ctx, messages, &llm.ChatOptions{
		Model:       modelName,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for event := range stream {
		if event.Error != nil {
			return event.Error
		}
		fmt.Fprint(out, event.Content)
	}
	fmt.Fprintln(out)
	return nil
}

// findSession resolves a beacon id first, then a row id.
func findSession(ctx context.Context, st store.Store, ref string) (*model.Session, error) {
	sessions, err := st.Sessions(ctx, store.SessionFilter{})
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.BeaconID == ref {
			return s, nil
		}
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		s, err := st.GetSession(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("session %q: %w", ref, store.ErrNotFound)
}

// timeWindow applies --since and --until. Relative values count back from
// the session's last entry.
func timeWindow(ctx context.Context, cmd *cobra.Command, st store.Store, sess *model.Session, f *store.EntryFilter) error {
	since, _ := cmd.Flags().GetString("since")
	until, _ := cmd.Flags().GetString("until")
	if since == "" && until == "" {
		return nil
	}

	ref := sess.Exited
	if last, err := st.LastEntry(ctx, sess.ID); err == nil {
		ref = last.Timestamp
	}
	if ref.IsZero() {
		ref = time.Now()
	}

	if since != "" {
		t, err := config.ParseTimeRef(since, ref)
		if err != nil {
			return fmt.Errorf("--since: %w", err)
		}
		f.Since = t
	}
	if until != "" {
		t, err := config.ParseTimeRef(until, ref)
		if err != nil {
			return fmt.Errorf("--until: %w", err)
		}
		f.Until = t
	}
	return nil
}
