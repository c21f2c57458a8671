package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dovewarden/retryq/internal/config"
	"github.com/spf13/cobra"
)

var version = "0.0.0-dev" // Set by ldflags during build

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "retryq",
		Short: "Redis-backed priority retry queue",
		Long: `retryq keeps item identifiers in a Redis priority queue, hands them to a
handler in drain cycles and retries failed items a bounded number of times.`,
		SilenceUsage: true,
	}
	root.SetOut(out)

	root.PersistentFlags().String("config", "", "Path to a TOML config file")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd())
	root.AddCommand(newClientCmds()...)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "retryq version %s\n", version)
		},
	})
	return root
}

// loadConfig builds the configuration from the config file, the environment
// and the flags set on cmd, in increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger creates the process logger. format selects "json" or "text" output.
func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     parseLogLevel(level),
	}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLogLevel converts a string log level to slog.Level, defaulting to info on unknown values.
func parseLogLevel(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "err":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "unknown log level %q, defaulting to info\n", lvl)
		return slog.LevelInfo
	}
}
