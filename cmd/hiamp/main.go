// ABOUTME: Entry point for the hiamp command line tool
// ABOUTME: Sends envelopes, runs listeners and the heartbeat poller, and manages local inboxes

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/hiamp/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _     _
 | |__ (_) __ _ _ __ ___  _ __
 | '_ \| |/ _' | '_ ' _ \| '_ \
 | | | | | (_| | | | | | | |_) |
 |_| |_|_|\__,_|_| |_| |_| .__/
                         |_|
`

var configPath string

var rootCmd = &cobra.Command{
	Use:           "hiamp",
	Short:         "Inter-agent messaging over chat rooms and issue comments",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $HIAMP_CONFIG or ~/.config/hiamp/config.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(parseCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

// loadConfig reads the config from --config or the default location.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}
