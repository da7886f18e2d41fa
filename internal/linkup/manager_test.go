package linkup

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestManager_ListenerIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})

	a := h.mgr.Listener(NewEndpoint(relayURL, "me"))
	b := h.mgr.Listener(ParseEndpoint(relayURL + "/me"))
	if a != b {
		t.Fatalf("Listener returned different proxies for the same endpoint")
	}
	if got := a.Endpoint(); got != NewEndpoint(relayURL, "me") {
		t.Fatalf("endpoint=%+v", got)
	}

	// One connection, one dial.
	h.dialer.waitAttempt(t)
	h.dialer.expectNoAttempt(t, 50*time.Millisecond)
}

func TestManager_OneConnectionPerServer(t *testing.T) {
	h := newHarness(t, Options{})

	h.mgr.Listener(NewEndpoint("wss://b.test/", "x"))
	h.mgr.Caller(NewEndpoint("wss://a.test", "y"), NewEndpoint("wss://b.test", "x"))
	h.mgr.Caller(NewEndpoint("wss://a.test/", "z"), Endpoint{})

	want := []string{"wss://a.test", "wss://b.test"}
	if got := h.mgr.Connections(); !reflect.DeepEqual(got, want) {
		t.Fatalf("connections=%v, want %v", got, want)
	}
	seen := map[string]bool{}
	seen[h.dialer.waitAttempt(t)] = true
	seen[h.dialer.waitAttempt(t)] = true
	if !seen["wss://a.test"] || !seen["wss://b.test"] {
		t.Fatalf("dial attempts=%v", seen)
	}
	h.dialer.expectNoAttempt(t, 50*time.Millisecond)
}

func TestManager_CallerNormalizesEndpoints(t *testing.T) {
	h := newHarness(t, Options{})

	c := h.mgr.Caller(NewEndpoint(relayURL+"/", "remote"), Endpoint{ServerURL: relayURL + "/", LinkupID: "local"})
	if got := c.Remote(); got != NewEndpoint(relayURL, "remote") {
		t.Fatalf("remote=%+v", got)
	}
	if got := c.Local(); got != NewEndpoint(relayURL, "local") {
		t.Fatalf("local=%+v", got)
	}
}

func TestManager_SendRejectsInvalidJSON(t *testing.T) {
	h := newHarness(t, Options{})

	c := h.mgr.Caller(NewEndpoint(relayURL, "remote"), Endpoint{})
	if err := c.Send("id", json.RawMessage(`{"unterminated"`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidPayload)
	}
	if err := c.SendJSON("id", map[string]any{"fn": func() {}}); err == nil {
		t.Fatalf("expected marshal error")
	}
	if got := h.conn(t).QueueLen(); got != 0 {
		t.Fatalf("queue len=%d, want 0", got)
	}
}

func TestManager_SendJSON(t *testing.T) {
	h := newHarness(t, Options{})

	c := h.mgr.Caller(NewEndpoint(relayURL, "remote"), NewEndpoint(relayURL, "me"))
	h.dialer.waitAttempt(t)
	if err := c.SendJSON("id", struct {
		Type string `json:"type"`
	}{Type: "answer"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	tr := h.dialer.open(t)
	frames := tr.waitFrames(t, 1)
	if string(frames[0].Data) != `{"type":"answer"}` {
		t.Fatalf("data=%s", frames[0].Data)
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})

	l := h.mgr.Listener(NewEndpoint(relayURL, "me"))
	h.dialer.waitAttempt(t)

	if err := h.mgr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.mgr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := h.conn(t).State(); got != StateClosed {
		t.Fatalf("state=%v, want %v", got, StateClosed)
	}
	if err := h.mgr.ReplyCaller(l, relayURL, "peer").Send("id", json.RawMessage(`1`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want %v", err, ErrClosed)
	}
}
