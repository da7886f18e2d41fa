package linkup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/metrics"
)

// State is the lifecycle of a Connection's transport handle.
type State int

const (
	StateAbsent State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connection owns the single transport to one relay server and multiplexes
// every listener and caller for that server over it.
//
// All mutable state is guarded by mu, and every transport write happens while
// holding it, so listen, send and pong frames reach the transport in one total
// order. Listener callbacks run on the read goroutine without mu held.
type Connection struct {
	serverURL   string
	dialer      Dialer
	log         *slog.Logger
	metrics     *metrics.Metrics
	clock       clock.Clock
	dialTimeout time.Duration

	mu         sync.Mutex
	state      State
	transport  Transport
	listeners  map[string]*ListenerProxy
	queue      *outboundQueue
	backoff    backoff
	redial     *clock.Timer
	cancelDial context.CancelFunc
	dialSeq    uint64
	closed     bool
}

func newConnection(serverURL string, opts Options) *Connection {
	return &Connection{
		serverURL:   serverURL,
		dialer:      opts.Dialer,
		log:         opts.Logger.With("server_url", serverURL),
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		dialTimeout: opts.DialTimeout,
		listeners:   make(map[string]*ListenerProxy),
		queue:       newOutboundQueue(opts.QueueMaxBytes),
		backoff:     backoff{min: opts.RedialMin, max: opts.RedialMax},
	}
}

func (c *Connection) ServerURL() string { return c.serverURL }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen reports how many send messages are waiting for an open transport.
func (c *Connection) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// listener returns the proxy for linkupID, creating it on first use. A new
// listener on an open transport announces itself immediately; otherwise the
// listen is sent by the replay on the next open.
func (c *Connection) listener(linkupID string) *ListenerProxy {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.listeners[linkupID]
	if !ok {
		l = newListenerProxy(NewEndpoint(c.serverURL, linkupID), c.log, c.metrics)
		c.listeners[linkupID] = l
		if c.state == StateOpen {
			c.writeListenLocked(linkupID)
		}
	}
	c.ensureTransportLocked()
	return l
}

// send enqueues a send message and flushes the queue if the transport is open.
// A nil error means the message was accepted; it will be written in FIFO order
// once a transport is open, however many reconnects that takes.
func (c *Connection) send(msg Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.queue.Enqueue(frame) {
		c.metrics.Inc(metrics.OutboundQueueFull)
		c.log.Warn("linkup outbound queue full, rejecting message",
			"linkup_id", msg.LinkupID,
			"call_id", msg.CallID,
			"queued_messages", c.queue.Len(),
			"queued_bytes", c.queue.Bytes(),
		)
		return ErrQueueFull
	}
	c.metrics.Inc(metrics.OutboundEnqueued)

	if c.ensureTransportLocked() {
		c.flushLocked()
	}
	return nil
}

// ensureTransportLocked reports whether the transport is open. When it is
// absent or closed, and no redial is already scheduled, it starts a dial.
func (c *Connection) ensureTransportLocked() bool {
	switch {
	case c.closed:
		return false
	case c.state == StateOpen:
		return true
	case c.state == StateConnecting:
		return false
	case c.redial != nil:
		return false
	}
	c.startDialLocked()
	return false
}

func (c *Connection) startDialLocked() {
	c.state = StateConnecting
	c.dialSeq++
	seq := c.dialSeq

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	c.cancelDial = cancel

	c.log.Debug("creating linkup transport")
	go c.dial(ctx, cancel, seq)
}

func (c *Connection) dial(ctx context.Context, cancel context.CancelFunc, seq uint64) {
	t, err := c.dialer.Dial(ctx, c.serverURL)
	cancel()

	c.mu.Lock()
	if c.closed || c.dialSeq != seq {
		c.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}
	c.cancelDial = nil

	if err != nil {
		c.state = StateClosed
		c.metrics.Inc(metrics.DialFailed)
		c.log.Warn("linkup dial failed", "err", err)
		c.scheduleRedialLocked()
		c.mu.Unlock()
		return
	}

	c.transport = t
	c.state = StateOpen
	c.backoff.Reset()
	c.metrics.Inc(metrics.TransportOpened)
	c.log.Debug("linkup transport open", "listeners", len(c.listeners), "queued_messages", c.queue.Len())

	// The relay forgets listens when a transport goes away, so every open
	// re-declares all of them before any queued send goes out.
	c.replayListensLocked()
	c.flushLocked()
	c.mu.Unlock()

	go c.readLoop(t)
}

func (c *Connection) replayListensLocked() {
	ids := make([]string, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if !c.writeListenLocked(id) {
			return
		}
	}
}

func (c *Connection) writeListenLocked(linkupID string) bool {
	frame, err := ListenMessage(linkupID).Encode()
	if err != nil {
		c.log.Error("failed to encode listen message", "linkup_id", linkupID, "err", err)
		return false
	}
	if err := c.writeLocked(frame); err != nil {
		return false
	}
	c.metrics.Inc(metrics.ListenSent)
	c.log.Debug("sent listen", "linkup_id", linkupID)
	return true
}

// flushLocked drains the queue in FIFO order. A frame is only removed after it
// has been written, so a write failure leaves it at the head for the next
// transport.
func (c *Connection) flushLocked() {
	if c.queue.Len() > 0 {
		c.log.Debug("emptying linkup outbound queue", "queued_messages", c.queue.Len())
	}
	for c.state == StateOpen {
		frame, ok := c.queue.Peek()
		if !ok {
			return
		}
		if err := c.writeLocked(frame); err != nil {
			return
		}
		c.queue.Pop()
		c.metrics.Inc(metrics.OutboundSent)
	}
}

func (c *Connection) writeLocked(frame []byte) error {
	t := c.transport
	if t == nil || c.state != StateOpen {
		return ErrClosed
	}
	if err := t.WriteMessage(frame); err != nil {
		c.dropLocked(t, err)
		return err
	}
	return nil
}

// dropLocked tears down t if it is still the current transport and arranges a
// redial when there is work that needs one.
func (c *Connection) dropLocked(t Transport, cause error) {
	if c.transport != t {
		return
	}
	c.transport = nil
	c.state = StateClosed
	_ = t.Close()

	c.metrics.Inc(metrics.TransportClosed)
	c.log.Info("linkup transport closed", "err", cause, "queued_messages", c.queue.Len())
	c.scheduleRedialLocked()
}

func (c *Connection) scheduleRedialLocked() {
	if c.closed || c.redial != nil {
		return
	}
	if len(c.listeners) == 0 && c.queue.Len() == 0 {
		// Nothing needs the transport; the next listener or send dials lazily.
		return
	}
	delay := c.backoff.Next()
	c.log.Debug("scheduling linkup redial", "delay", delay)
	c.redial = c.clock.AfterFunc(delay, c.redialNow)
}

func (c *Connection) redialNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redial = nil
	c.ensureTransportLocked()
}

func (c *Connection) readLoop(t Transport) {
	for {
		frame, err := t.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.dropLocked(t, err)
			c.mu.Unlock()
			return
		}
		c.handleFrame(t, frame)
	}
}

func (c *Connection) handleFrame(t Transport, frame []byte) {
	msg, err := DecodeMessage(frame)
	if err != nil {
		c.metrics.Inc(metrics.InboundMalformed)
		c.log.Info("discarding malformed linkup frame", "err", err, "frame_bytes", len(frame))
		return
	}

	switch msg.Action {
	case ActionPing:
		// Pongs bypass the queue: a ping means this transport is open now.
		c.mu.Lock()
		if c.transport == t {
			if err := c.writeLocked(pongFrame); err == nil {
				c.metrics.Inc(metrics.PongSent)
			}
		}
		c.mu.Unlock()

	case ActionSend:
		c.mu.Lock()
		l := c.listeners[msg.LinkupID]
		c.mu.Unlock()
		if l == nil {
			// No listener means no backlog: the message is dropped and the
			// sender is never told. This is relay semantics, not an error.
			c.metrics.Inc(metrics.InboundUnrouted)
			c.log.Debug("discarding message for unlistened linkup id", "linkup_id", msg.LinkupID)
			return
		}
		l.deliver(msg)

	default:
		c.metrics.Inc(metrics.InboundUnknownAction)
		c.log.Info("discarding unknown linkup message", "action", msg.Action)
	}
}

// close stops redials and closes the transport. Queued messages are discarded
// with the Connection.
func (c *Connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.redial != nil {
		c.redial.Stop()
		c.redial = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.state = StateClosed

	t := c.transport
	c.transport = nil
	if t == nil {
		return nil
	}
	if err := t.Close(); err != nil {
		return fmt.Errorf("close transport to %s: %w", c.serverURL, err)
	}
	return nil
}
