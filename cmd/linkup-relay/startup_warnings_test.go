package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/config"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/signaling"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func safeRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		AllowedOrigins:       []string{"https://app.example"},
		PingInterval:         signaling.DefaultPingInterval,
		IdleTimeout:          signaling.DefaultIdleTimeout,
		MaxMessageBytes:      signaling.DefaultMaxMessageBytes,
		MaxMessagesPerSecond: signaling.DefaultMaxMessagesPerSecond,
	}
}

func TestStartupSecurityWarnings_Defaults(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeProd, Relay: safeRelayConfig()})

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("expected no warnings, got %#v", codes)
	}
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	relay := safeRelayConfig()
	relay.AllowedOrigins = []string{"*"}
	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeDev, Relay: relay})

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupSecurityWarnings_EmptyOriginsOnlyInProd(t *testing.T) {
	relay := safeRelayConfig()
	relay.AllowedOrigins = nil

	logger, records := newRecordingLogger()
	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeDev, Relay: relay})
	if _, ok := warningCodes(records())["allowed_origins_empty_in_prod"]; ok {
		t.Fatalf("unexpected prod warning in dev mode")
	}

	logger, records = newRecordingLogger()
	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeProd, Relay: relay})
	r, ok := warningCodes(records())["allowed_origins_empty_in_prod"]
	if !ok {
		t.Fatalf("expected warning_code=allowed_origins_empty_in_prod, got %#v", records())
	}
	if r.attrs["mode"] != config.ModeProd {
		t.Fatalf("mode attr = %#v, want %q", r.attrs["mode"], config.ModeProd)
	}
}

func TestStartupSecurityWarnings_Limits(t *testing.T) {
	logger, records := newRecordingLogger()

	relay := safeRelayConfig()
	relay.MaxMessageBytes = 4 << 20
	relay.PingInterval = 40 * time.Second
	relay.IdleTimeout = 60 * time.Second
	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeDev, Relay: relay})

	codes := warningCodes(records())
	if r, ok := codes["max_message_bytes_large"]; !ok || r.attrs["max_message_bytes"] != int64(4<<20) {
		t.Fatalf("expected max_message_bytes_large with the configured limit, got %#v", codes)
	}
	if _, ok := codes["ping_interval_close_to_idle_timeout"]; !ok {
		t.Fatalf("expected ping_interval_close_to_idle_timeout, got %#v", codes)
	}
}
