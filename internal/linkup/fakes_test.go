package linkup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

var (
	errFakeClosed = errors.New("fake transport closed")
	errFakeWrite  = errors.New("fake write failure")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	inbound chan []byte
	written chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu            sync.Mutex
	failNextWrite bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		written: make(chan []byte, 1024),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case frame := <-t.inbound:
		return frame, nil
	case <-t.closed:
		return nil, errFakeClosed
	}
}

func (t *fakeTransport) WriteMessage(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return errFakeClosed
	default:
	}
	if t.failNextWrite {
		t.failNextWrite = false
		return errFakeWrite
	}
	t.written <- append([]byte(nil), frame...)
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) failNext() {
	t.mu.Lock()
	t.failNextWrite = true
	t.mu.Unlock()
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// push feeds an inbound frame as if the relay had sent it.
func (t *fakeTransport) push(tb testing.TB, msg Message) {
	tb.Helper()
	frame, err := msg.Encode()
	if err != nil {
		tb.Fatalf("encode: %v", err)
	}
	t.inbound <- frame
}

func (t *fakeTransport) waitFrames(tb testing.TB, n int) []Message {
	tb.Helper()
	out := make([]Message, 0, n)
	deadline := time.After(waitTimeout)
	for len(out) < n {
		select {
		case frame := <-t.written:
			msg, err := DecodeMessage(frame)
			if err != nil {
				tb.Fatalf("decode written frame %q: %v", frame, err)
			}
			out = append(out, msg)
		case <-deadline:
			tb.Fatalf("timeout waiting for %d frames, got %d: %+v", n, len(out), out)
		}
	}
	return out
}

func (t *fakeTransport) expectNoFrame(tb testing.TB, wait time.Duration) {
	tb.Helper()
	select {
	case frame := <-t.written:
		tb.Fatalf("unexpected frame written: %s", frame)
	case <-time.After(wait):
	}
}

type dialResult struct {
	t   Transport
	err error
}

// fakeDialer blocks each Dial until the test supplies an outcome with open or
// fail.
type fakeDialer struct {
	attempts chan string
	results  chan dialResult
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		attempts: make(chan string, 64),
		results:  make(chan dialResult),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, serverURL string) (Transport, error) {
	d.attempts <- serverURL
	select {
	case r := <-d.results:
		return r.t, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) waitAttempt(tb testing.TB) string {
	tb.Helper()
	select {
	case serverURL := <-d.attempts:
		return serverURL
	case <-time.After(waitTimeout):
		tb.Fatalf("timeout waiting for dial attempt")
		return ""
	}
}

func (d *fakeDialer) expectNoAttempt(tb testing.TB, wait time.Duration) {
	tb.Helper()
	select {
	case serverURL := <-d.attempts:
		tb.Fatalf("unexpected dial attempt to %s", serverURL)
	case <-time.After(wait):
	}
}

func (d *fakeDialer) open(tb testing.TB) *fakeTransport {
	tb.Helper()
	t := newFakeTransport()
	select {
	case d.results <- dialResult{t: t}:
	case <-time.After(waitTimeout):
		tb.Fatalf("timeout handing transport to dialer")
	}
	return t
}

func (d *fakeDialer) fail(tb testing.TB, err error) {
	tb.Helper()
	select {
	case d.results <- dialResult{err: err}:
	case <-time.After(waitTimeout):
		tb.Fatalf("timeout handing dial error to dialer")
	}
}

func waitFor(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sendMessage(linkupID, callID, data string) Message {
	return Message{
		Action:         ActionSend,
		LinkupID:       linkupID,
		CallID:         callID,
		Data:           json.RawMessage(data),
		ReplyServerURL: "wss://other.test/",
		ReplyLinkupID:  "sender",
	}
}
