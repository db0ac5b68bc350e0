package cmd

import (
	"context"
	"fmt"

	"github.com/c2trail/c2trail/internal/report"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write the CSV reports from an existing database",
	Long: `Regenerate the activity, transfer, session roster, IOC and (when a
technique file is configured) TTP reports without parsing the logs again.

Examples:
  c2trail report
  c2trail report --database op.db --output ./out`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringP("output", "o", "", "report directory (default reports)")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("output"); dir != "" {
		cfg.Output = dir
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	written, err := report.New(st, cfg.Report, logger).WriteAll(ctx, cfg.Output)
	if err != nil {
		return err
	}
	for _, path := range written {
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return nil
}
