package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/config"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	m := metrics.New()
	relay, err := signaling.NewServer(cfg.Relay.SignalingConfig(logger, m))
	if err != nil {
		logger.Error("failed to configure relay", "err", err)
		os.Exit(2)
	}

	logger.Info("starting linkup-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"ping_interval", cfg.Relay.PingInterval,
		"idle_timeout", cfg.Relay.IdleTimeout,
		"max_message_bytes", cfg.Relay.MaxMessageBytes,
		"max_messages_per_second", cfg.Relay.MaxMessagesPerSecond,
		"allowed_origins", cfg.Relay.AllowedOrigins,
	)
	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, m)
	relay.RegisterRoutes(srv.Mux())
	srv.AddReadinessCheck("relay", relay.Ready)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, srv, relay, ln); err != nil {
		logger.Error("linkup-relay exited", "err", err)
		os.Exit(1)
	}
}

// run serves until ctx is done or the listener fails, then drains HTTP and
// disconnects relay peers.
func run(ctx context.Context, logger *slog.Logger, cfg config.Config, srv *httpserver.Server, relay *signaling.Server, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		// Relay websockets are hijacked and never drain on their own, so peers
		// are told to go away before the HTTP server waits for handlers.
		relay.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
