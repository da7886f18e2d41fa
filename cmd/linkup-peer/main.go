// Command linkup-peer opens a WebRTC DataChannel to another peer, using a
// linkup relay for the offer/answer exchange. Without --remote it only answers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/config"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/linkup"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/webrtcpeer"
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
	if err := cfg.Peer.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	api, err := webrtcpeer.NewAPI(cfg.Peer, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	mgr := linkup.NewManager(cfg.Client.ManagerOptions(logger, m))
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Warn("failed to close linkup connections", "err", err)
		}
	}()

	peer := webrtcpeer.New(mgr, cfg.Peer.Local, webrtcpeer.Config{
		API:              api,
		ICEServers:       cfg.Peer.ICEServers,
		Logger:           logger,
		ICEGatherTimeout: cfg.Peer.ICEGatherTimeout,
		ConnectTimeout:   cfg.Peer.ConnectTimeout,
	})
	defer peer.Close()

	logger.Info("starting linkup-peer",
		"local", cfg.Peer.Local.URL(),
		"remote", remoteString(cfg.Peer.Remote),
		"ice_servers", len(cfg.Peer.ICEServers),
		"mode", cfg.Mode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg.Peer, peer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("linkup-peer exited", "err", err, "connections", mgr.Connections(), "metrics", m.Snapshot())
		os.Exit(1)
	}
	logger.Info("linkup-peer stopped", "connections", mgr.Connections(), "metrics", m.Snapshot())
}

// run answers offers until ctx is done and, with a remote configured, dials it
// once. Dial failures end the run; answered sessions end on their own.
func run(ctx context.Context, logger *slog.Logger, cfg config.PeerConfig, peer *webrtcpeer.Peer) error {
	g, ctx := errgroup.WithContext(ctx)

	// Serve runs the callback on the answering goroutine.
	peer.Serve(func(s *webrtcpeer.Session) {
		converse(ctx, logger, s, cfg)
	})

	if cfg.Remote.Valid() {
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
			s, err := peer.Dial(dialCtx, cfg.Remote)
			if err != nil {
				return fmt.Errorf("dial %s: %w", cfg.Remote, err)
			}
			if err := s.WaitOpen(dialCtx); err != nil {
				_ = s.Close()
				return fmt.Errorf("open datachannel to %s: %w", cfg.Remote, err)
			}
			converse(ctx, logger, s, cfg)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	return g.Wait()
}

// converse sends the configured message once the channel opens and logs
// everything received until the session or ctx ends.
func converse(ctx context.Context, logger *slog.Logger, s *webrtcpeer.Session, cfg config.PeerConfig) {
	log := logger.With("call_id", s.CallID(), "remote", s.Remote().URL())
	defer s.Close()

	openCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	err := s.WaitOpen(openCtx)
	cancel()
	if err != nil {
		log.Info("session did not open", "err", err)
		return
	}
	log.Info("session open")

	if cfg.Message != "" {
		if err := s.Send([]byte(cfg.Message)); err != nil {
			log.Warn("failed to send message", "err", err)
		}
	}

	for {
		data, err := s.Recv(ctx)
		if err != nil {
			log.Info("session ended", "err", err)
			return
		}
		log.Info("received message", "text", string(data))
	}
}

func remoteString(ep linkup.Endpoint) string {
	if !ep.Valid() {
		return ""
	}
	return ep.URL()
}
