package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/c2trail/c2trail/internal/config"
	"github.com/c2trail/c2trail/internal/output"
	"github.com/c2trail/c2trail/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	// configErr holds a failure to read an explicitly requested or
	// malformed config file. cobra.OnInitialize cannot return it.
	configErr error
)

var rootCmd = &cobra.Command{
	Use:   "c2trail",
	Short: "Reconstruct command and control session timelines",
	Long: `c2trail parses Cobalt Strike beacon logs and Brute Ratel badger logs
into a normalized database of sessions and timeline entries, redacts
credentials, removes operational noise and writes CSV reports.

Examples:
  c2trail ingest --path ./logs
  c2trail ingest --path ./logs --minimize --exclude scope-out.txt
  c2trail report --output ./reports
  c2trail stats
  c2trail summarize --session 4242`,
}

// Execute is called by main.main(). It runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.c2trail.yaml)")
	rootCmd.PersistentFlags().StringP("format", "f", "text", "output format (text, json, table)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging (forces a single worker)")
	rootCmd.PersistentFlags().StringP("database", "d", "", "database file or connection string (default c2trail.db)")
	rootCmd.PersistentFlags().String("driver", "", "database driver (sqlite, postgres)")

	_ = viper.BindPFlag("format", rootCmd.PersistentFlags().Lookup("format"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("database"))
	_ = viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("driver"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".c2trail")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("C2TRAIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			configErr = &config.ConfigError{Source: cfgFile, Err: err}
		}
		return
	}
	if viper.GetBool("verbose") {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig applies defaults and decodes the global viper state.
func loadConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, configErr
	}
	config.SetDefaults(viper.GetViper())
	return config.Load(viper.GetViper())
}

// newLogger returns the diagnostic logger. Diagnostics go to w, never to
// the command's regular output.
func newLogger(w io.Writer, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	disableColors := true
	if f, ok := w.(*os.File); ok {
		disableColors = !output.IsTerminal(f)
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: disableColors,
	})
	logger.SetLevel(logrus.InfoLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// openStore opens the configured database.
func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (store.Store, error) {
	opts := store.Options{
		MaxRetries: cfg.Database.MaxRetries,
		Logger:     logger,
	}
	if cfg.Database.BusyTimeout != "" {
		d, err := config.ParseDuration(cfg.Database.BusyTimeout)
		if err != nil {
			return nil, &config.ConfigError{Source: "database.busy_timeout", Err: err}
		}
		opts.BusyTimeout = d
	}
	logger.WithFields(logrus.Fields{
		"driver": cfg.Database.Driver,
		"dsn":    cfg.Database.DSN,
	}).Debug("opening store")
	return store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, opts)
}
