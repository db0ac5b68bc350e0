package cmd

import (
	"context"
	"fmt"

	"github.com/c2trail/c2trail/internal/output"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session and entry counts held in the database",
	Long: `Count the sessions in the database and the timeline entries per type.

Examples:
  c2trail stats
  c2trail stats --database op.db --format json`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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

	counts, err := st.Counts(ctx)
	if err != nil {
		return err
	}
	return output.New(cmd.OutOrStdout(), output.ParseFormat(viper.GetString("format"))).WriteCounts(counts)
}
