package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/c2trail/c2trail/internal/config"
	"github.com/c2trail/c2trail/internal/output"
	"github.com/c2trail/c2trail/internal/parser"
	"github.com/c2trail/c2trail/internal/patterns"
	"github.com/c2trail/c2trail/internal/pipeline"
	"github.com/c2trail/c2trail/internal/reconstruct"
	"github.com/c2trail/c2trail/internal/redact"
	"github.com/c2trail/c2trail/internal/report"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var errMissingPath = errors.New("--path is required")

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Parse a log directory into the database and write reports",
	Long: `Walk a directory of Cobalt Strike or Brute Ratel logs, reconstruct every
session timeline into the database, redact credentials and write the CSV
reports.

Re-running over the same logs is idempotent.

Examples:
  c2trail ingest --path ./logs
  c2trail ingest --path ./logs --database op.db --output ./reports
  c2trail ingest --path ./logs --minimize --exclude scope-out.txt
  c2trail ingest --path ./logs --driver postgres --database postgres://localhost/c2`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringP("path", "p", "", "directory containing the C2 logs (required)")
	ingestCmd.Flags().StringP("output", "o", "", "report directory (default reports)")
	ingestCmd.Flags().IntP("workers", "w", 0, "parallel tasks (default 10)")
	ingestCmd.Flags().BoolP("minimize", "m", false, "remove noise entries and excluded sessions")
	ingestCmd.Flags().StringP("exclude", "e", "", "file of IP ranges whose sessions are removed")
	ingestCmd.Flags().String("extension", "", "log file extension (default .log)")
	ingestCmd.Flags().String("prefix", "", "only parse files whose name contains this text")
	ingestCmd.Flags().Bool("no-report", false, "skip report generation")

	for _, name := range []string{"path", "output", "workers", "minimize", "exclude", "extension", "prefix"} {
		_ = viper.BindPFlag(name, ingestCmd.Flags().Lookup(name))
	}

	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Path == "" {
		_ = cmd.Usage()
		return errMissingPath
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	workers := cfg.Workers
	if cfg.Verbose {
		workers = 1
	}

	var excluded []netip.Prefix
	if cfg.ExcludeFile != "" {
		excluded, err = config.LoadExcludeFile(cfg.ExcludeFile, logger)
		if err != nil {
			return err
		}
		logger.WithField("ranges", len(excluded)).Debug("loaded exclude file")
	}

	reg, err := patterns.Load(cfg.Patterns)
	if err != nil {
		return err
	}
	classifier, err := parser.New(reg, logger)
	if err != nil {
		return err
	}
	filter, err := redact.NewFilter(cfg, excluded)
	if err != nil {
		return err
	}
	redactor := redact.NewRedactor(cfg.Redaction, logger)

	files, err := config.DiscoverLogs(cfg.Path, cfg.Extension, cfg.Prefix)
	if err != nil {
		return fmt.Errorf("discovering logs: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"path":    cfg.Path,
		"files":   len(files),
		"workers": workers,
	}).Info("starting ingest")

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	rec := reconstruct.New(st, classifier, redactor, filter, reconstruct.Options{Minimize: cfg.Minimize}, logger)
	p := pipeline.New(st, rec, filter, pipeline.Options{Workers: workers, Minimize: cfg.Minimize}, logger)
	res, err := p.Run(ctx, files)
	if err != nil {
		return err
	}

	noReport, _ := cmd.Flags().GetBool("no-report")
	if !noReport {
		if _, err := report.New(st, cfg.Report, logger).WriteAll(ctx, cfg.Output); err != nil {
			return err
		}
	}

	return output.New(cmd.OutOrStdout(), output.ParseFormat(viper.GetString("format"))).WriteResult(res)
}
