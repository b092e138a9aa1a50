package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jward/kiln"
	"github.com/jward/kiln/internal/config"
	"github.com/jward/kiln/internal/ctxlog"
)

var (
	flagConfig   string
	flagFormat   string
	flagLogLevel string
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "kiln",
	Short:         "Inspect and exercise a shared build environment",
	Long:          "Kiln hosts the long-lived state of a build daemon: memoized environment properties, cached data and plugin repositories loaded from local directories or S3 archives.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		errorHandled = false
		return validateFormat(flagFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "json", "output format: json|text")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(fetchesCmd)
}

// openEnvironment loads the configuration and builds an Environment logging
// to the command's stderr.
func openEnvironment(cmd *cobra.Command) (*kiln.Environment, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger := ctxlog.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	env, err := kiln.New(kiln.WithConfig(cfg), kiln.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating environment: %w", err)
	}
	return env, nil
}
