// Package cli is the overlay command line: runs, geometry checks, the run
// history, the HTTP server and the hidden worker entry point used for
// process isolation.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bsaid97/go-spatial-overlay/config"
)

var version = "dev"

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:     "overlay",
		Version: version,
		Short:   "Parallel areal apportionment of polygon attributes",
		Long: `overlay apportions numeric attributes of a source polygon collection onto a
target polygon collection by area of overlap.

The targets are split into chunks, each chunk is overlaid in its own worker
and the partial outputs are merged into one destination.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML settings file")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(
		newRunCmd(g),
		newCheckCmd(g),
		newHistoryCmd(g),
		newServeCmd(g),
		newWorkerCmd(g),
	)
	return rootCmd
}

// Execute runs the command line until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

// SetVersion overrides the version printed by --version.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

// settings loads the config file and builds the logger. The --log-level flag
// wins over the file.
func (g *globalFlags) settings(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
