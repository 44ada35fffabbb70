package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// envDefault reads an environment variable with a fallback.
func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:           "synthd",
		Short:         "Synthetic conversation data generation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", envDefault("SYNTHD_CONFIG", ""),
		"Config file (.yaml|.yml|.json|.toml), defaults SYNTHD_CONFIG")
	root.PersistentFlags().StringVar(&logLevel, "log-level", envDefault("SYNTHD_LOG_LEVEL", "info"),
		"Log level: debug|info|warn|error")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		lvl, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			lvl = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(lvl)
	}

	root.AddCommand(newServeCmd(&configPath), newRunCmd(&configPath))
	return root
}

// newLogger builds the process logger. Job subprocesses log line-oriented
// console output on stdout; that stream is the job log.
func newLogger() zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339, NoColor: true}
	return zerolog.New(out).With().Timestamp().Logger()
}
