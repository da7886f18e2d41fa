package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/config"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/linkup"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/webrtcpeer"
)

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPeersExchangeMessages(t *testing.T) {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	relay, err := signaling.NewServer(signaling.Config{Logger: discard})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	mux := http.NewServeMux()
	relay.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		relay.Close()
		ts.Close()
	})
	relayURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	nets := make([]*vnet.Net, 2)
	for i, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		nets[i] = n
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	newPeer := func(n *vnet.Net, local linkup.Endpoint) *webrtcpeer.Peer {
		se := webrtc.SettingEngine{}
		if err := webrtcpeer.ApplySettings(&se, config.PeerConfig{WebRTCLogLevel: "disabled"}, discard); err != nil {
			t.Fatalf("apply settings: %v", err)
		}
		se.SetNet(n)
		mgr := linkup.NewManager(linkup.Options{Logger: discard})
		t.Cleanup(func() { _ = mgr.Close() })
		p := webrtcpeer.New(mgr, local, webrtcpeer.Config{
			API:    webrtc.NewAPI(webrtc.WithSettingEngine(se)),
			Logger: discard,
		})
		t.Cleanup(func() { _ = p.Close() })
		return p
	}

	aliceEP := linkup.NewEndpoint(relayURL, "alice")
	bobEP := linkup.NewEndpoint(relayURL, "bob")
	alice := newPeer(nets[0], aliceEP)
	bob := newPeer(nets[1], bobEP)

	deadline := time.Now().Add(5 * time.Second)
	for relay.ListenerCount("alice") == 0 || relay.ListenerCount("bob") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("peers never listened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var bobLogs syncBuffer
	bobLogger := slog.New(slog.NewTextHandler(&bobLogs, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bobDone := make(chan error, 1)
	go func() {
		bobDone <- run(ctx, bobLogger, config.PeerConfig{
			Local:          bobEP,
			ConnectTimeout: 10 * time.Second,
		}, bob)
	}()
	aliceDone := make(chan error, 1)
	go func() {
		aliceDone <- run(ctx, discard, config.PeerConfig{
			Local:          aliceEP,
			Remote:         bobEP,
			Message:        "hello from alice",
			ConnectTimeout: 10 * time.Second,
		}, alice)
	}()

	deadline = time.Now().Add(15 * time.Second)
	for !strings.Contains(bobLogs.String(), `text="hello from alice"`) {
		if time.Now().After(deadline) {
			t.Fatalf("bob never received the message; logs:\n%s", bobLogs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	for name, done := range map[string]chan error{"alice": aliceDone, "bob": bobDone} {
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("%s run err=%v, want %v", name, err, context.Canceled)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s run did not return", name)
		}
	}
}

func TestRunFailsWhenRemoteNeverAnswers(t *testing.T) {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := linkup.NewManager(linkup.Options{Logger: discard})
	t.Cleanup(func() { _ = mgr.Close() })

	// No relay listens at this address, so the offer is queued forever.
	local := linkup.NewEndpoint("ws://127.0.0.1:1", "alice")
	peer := webrtcpeer.New(mgr, local, webrtcpeer.Config{Logger: discard})
	t.Cleanup(func() { _ = peer.Close() })

	err := run(context.Background(), discard, config.PeerConfig{
		Local:          local,
		Remote:         linkup.NewEndpoint("ws://127.0.0.1:1", "bob"),
		ConnectTimeout: 200 * time.Millisecond,
	}, peer)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run err=%v, want %v", err, context.DeadlineExceeded)
	}
}
