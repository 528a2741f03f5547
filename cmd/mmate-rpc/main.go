package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	mmaterpc "github.com/glimte/mmate-rpc"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags are shared by every command
type globalFlags struct {
	config  mmaterpc.Config
	verbose bool
}

func (g *globalFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mmate-rpc",
		Short: "Request/reply over RabbitMQ",
		Long: `mmate-rpc answers and sends requests over a RabbitMQ topic exchange.
Flag defaults are read from the MMATE_RPC_* environment variables.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	flags := &globalFlags{}
	defaults := mmaterpc.DefaultConfig()

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&flags.config.URL, "url", "u", defaults.URL, "RabbitMQ connection URL")
	rootCmd.PersistentFlags().StringVar(&flags.config.CallbackPattern, "callback-pattern", defaults.CallbackPattern, "Pattern replies are received on (generated when empty)")
	rootCmd.PersistentFlags().DurationVarP(&flags.config.RequestTimeout, "timeout", "t", orDefault(defaults.RequestTimeout, 10*time.Second), "Request deadline, 0 waits forever")
	rootCmd.PersistentFlags().StringVar(&flags.config.ServiceName, "service", defaults.ServiceName, "Service name attached to metrics")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(
		newServeCmd(flags, defaults),
		newCallCmd(flags),
		newDemoCmd(flags),
	)
	return rootCmd
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
