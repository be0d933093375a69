package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nimbus-cli/nimbus/internal/auth"
	"github.com/nimbus-cli/nimbus/internal/llm/providers"
	"github.com/nimbus-cli/nimbus/internal/llm/router"
	"github.com/nimbus-cli/nimbus/internal/usage"
)

var (
	flagModel   string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:     "nimbus",
	Short:   "A CLI agent fronting many LLM providers",
	Version: version,
	Long: `nimbus routes chat completions across LLM providers with model
aliases, automatic failover, per-provider circuit breakers, and local
usage accounting.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "model or alias (e.g. sonnet, gpt4o, llama3.3)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(usageCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	if v := os.Getenv("NIMBUS_LOG_LEVEL"); v != "" {
		switch strings.ToLower(v) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildRouter assembles the provider registry, usage sink, and router from
// the environment and credential store.
func buildRouter(cmd *cobra.Command) (*router.Router, func(), error) {
	logger := newLogger()
	resolver := auth.NewResolver("")

	registry := providers.FromEnvironment(cmd.Context(), resolver, logger)

	var sink usage.Sink = usage.NopSink{}
	cleanup := func() {}
	if path, err := usage.DefaultUsagePath(); err == nil {
		if s, err := usage.NewSQLiteSink(path); err == nil {
			sink = s
			cleanup = func() { s.Close() }
		} else {
			logger.Debug("usage sink unavailable", "error", err)
		}
	}

	return router.New(registry, router.ConfigFromEnv(), logger, sink), cleanup, nil
}
