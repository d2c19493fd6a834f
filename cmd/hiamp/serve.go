// ABOUTME: serve command: starts push listeners, the heartbeat poller and the metrics endpoint
// ABOUTME: Runs until interrupted, then stops listeners and persists poller state

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/2389/hiamp/internal/heartbeat"
	"github.com/2389/hiamp/internal/transport"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Listen for messages on every enabled transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	a, err := newApp(ctx, cfg, logger, appOptions{transports: true})
	if err != nil {
		return err
	}
	defer a.Close()

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("Identity:   %s", cfg.Identity.Owner)
	if cfg.Identity.DefaultWorker != "" {
		gray.Printf(" (default worker %s)", cfg.Identity.DefaultWorker)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Transports: %v\n", a.transportNames())
	if cfg.HIAMP.KillSwitch || !cfg.HIAMP.IsEnabled() {
		yellow.Println("    ! outbound messaging is disabled")
	}
	fmt.Println()

	handlers := a.router.Handlers()
	var listening []transport.Transport
	for _, name := range a.transportNames() {
		t := a.transports[name]
		err := t.Listen(ctx, handlers)
		if errors.Is(err, transport.ErrListenUnsupported) {
			continue
		}
		if err != nil {
			stopAll(listening, logger)
			return fmt.Errorf("starting %s listener: %w", name, err)
		}
		listening = append(listening, t)
		logger.Info("listener started", "transport", name)
	}
	defer stopAll(listening, logger)

	if a.linear != nil {
		if err := a.poller.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := a.poller.Stop(); err != nil {
				logger.Error("saving heartbeat state", "error", err)
			}
		}()
	} else if len(a.poller.State().WatchedIssueIDs) > 0 {
		logger.Warn("issues are watched but the linear transport is disabled; not polling")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		srv := startMetrics(cfg.Metrics.Addr, cfg.Metrics.Path)
		logger.Info("metrics endpoint started", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("hiamp running", "owner", cfg.Identity.Owner)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func startMetrics(addr, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return srv
}

func stopAll(ts []transport.Transport, logger *slog.Logger) {
	for _, t := range ts {
		if err := t.Stop(); err != nil {
			logger.Warn("stopping listener", "transport", t.Name(), "error", err)
		}
	}
}

// printPollResult summarises one heartbeat cycle.
func printPollResult(res heartbeat.Result) {
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	green.Print("✓ ")
	fmt.Printf("%d new comments: %d routed, %d mentions delivered", res.CommentsFound, res.HIAMPMessagesRouted, res.InformMessagesDelivered)
	if res.Errors > 0 {
		color.New(color.FgRed).Printf(", %d errors", res.Errors)
	}
	gray.Printf(" (%s)\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
}
