package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/config"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/signaling"
)

func TestRunShutsDownOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		ListenAddr:      "127.0.0.1:0",
		Mode:            config.ModeDev,
		LogFormat:       config.LogFormatText,
		ShutdownTimeout: 2 * time.Second,
	}

	m := metrics.New()
	relay, err := signaling.NewServer(signaling.Config{Logger: logger, Metrics: m})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{}, m)
	relay.RegisterRoutes(srv.Mux())
	srv.AddReadinessCheck("relay", relay.Ready)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, logger, cfg, srv, relay, ln) }()

	baseURL := "http://" + ln.Addr().String()
	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status=%d, want %d", resp.StatusCode, http.StatusOK)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/", nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	cancel()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("read err=%v, want close %d", err, websocket.CloseGoingAway)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}
