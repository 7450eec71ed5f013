// ddxwatch polls clinic EMR systems for active encounters and imaging
// documents, tracks them in a local watch store, and routes discovered
// work through durable queues to the analysis pipeline.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/clinichub/ddxwatch/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagStateDir   string
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE. It is available to all subcommands after the root
// pre-run phase completes.
var resolvedCfg *config.Config

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ddxwatch",
		Short:   "EMR encounter and document watcher",
		Long:    "Polls clinic EMR systems for active encounters and imaging documents and feeds them to the analysis pipeline.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "watch store directory")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	// Register subcommands.
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newPollCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDLQCmd())
	cmd.AddCommand(newWhitelistCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override chain
// and stores the result in resolvedCfg for use by subcommands.
func loadConfig() error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		StateDir:   flagStateDir,
	}

	if flagVerbose {
		cli.LogLevel = "debug"
	}

	if flagQuiet {
		cli.LogLevel = "error"
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger from the resolved config. The
// "auto" format picks text on a terminal and JSON otherwise, so the
// daemon logs machine-readably under a supervisor but stays legible when
// run by hand.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	out := os.Stderr
	opts := &slog.HandlerOptions{Level: level}

	format := "auto"
	if resolvedCfg != nil {
		format = resolvedCfg.Logging.LogFormat
	}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(out, opts))
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts))
	default:
		if isatty.IsTerminal(out.Fd()) {
			return slog.New(slog.NewTextHandler(out, opts))
		}

		return slog.New(slog.NewJSONHandler(out, opts))
	}
}

// defaultHTTPClient returns an HTTP client with connect and request
// timeouts from the network config.
func defaultHTTPClient() *http.Client {
	client := &http.Client{}
	if resolvedCfg != nil {
		client.Timeout = resolvedCfg.Network.DataTimeoutDuration()
		client.Transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: resolvedCfg.Network.ConnectTimeoutDuration(),
			}).DialContext,
		}
	}

	return client
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
