// Command linkup-echo-go is a fixture for end-to-end tests of linkup clients.
// It runs a relay on an ephemeral port and a listener at "<relay>/echo" that
// answers every message under the same call id with the payload it received.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/linkup"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/signaling"
)

const echoLinkupID = "echo"

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("VERBOSE") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	// Any origin is accepted for E2E.
	relay, err := signaling.NewServer(signaling.Config{Logger: logger, AllowedOrigins: []string{"*"}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
	mux := http.NewServeMux()
	relay.RegisterRoutes(mux)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	relayURL := "ws://" + net.JoinHostPort(bindHost, strconv.Itoa(actualPort))

	mgr := linkup.NewManager(linkup.Options{Logger: logger})
	defer mgr.Close()
	serveEcho(mgr, linkup.NewEndpoint(relayURL, echoLinkupID), logger)

	// Clients must not send before the echo listener is registered.
	for relay.ListenerCount(echoLinkupID) == 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
		relay.Close()
		_ = srv.Shutdown(context.Background())
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

func serveEcho(mgr *linkup.Manager, ep linkup.Endpoint, logger *slog.Logger) {
	l := mgr.Listener(ep)
	l.SetDefaultCallback(func(callID string, data json.RawMessage, replyServerURL, replyLinkupID string) {
		if replyServerURL == "" || replyLinkupID == "" {
			logger.Info("echo: dropping message without reply address", "call_id", callID)
			return
		}
		if err := mgr.ReplyCaller(l, replyServerURL, replyLinkupID).Send(callID, data); err != nil {
			logger.Warn("echo: reply failed", "call_id", callID, "err", err)
		}
	})
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
