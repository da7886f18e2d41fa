package linkup

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/metrics"
)

const (
	DefaultQueueMaxBytes = 1 << 20 // 1MiB
	DefaultRedialMin     = 250 * time.Millisecond
	DefaultRedialMax     = 30 * time.Second
	DefaultDialTimeout   = 10 * time.Second
	DefaultWriteTimeout  = 5 * time.Second
)

// Options configures a Manager. Zero values select the defaults above, a
// WebSocketDialer, slog.Default and the wall clock.
type Options struct {
	Dialer  Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock

	// QueueMaxBytes bounds the outbound queue of each Connection. Negative
	// values leave it unbounded.
	QueueMaxBytes int
	RedialMin     time.Duration
	RedialMax     time.Duration
	DialTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = WebSocketDialer{WriteTimeout: DefaultWriteTimeout}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.QueueMaxBytes == 0 {
		o.QueueMaxBytes = DefaultQueueMaxBytes
	}
	if o.RedialMin <= 0 {
		o.RedialMin = DefaultRedialMin
	}
	if o.RedialMax <= 0 {
		o.RedialMax = DefaultRedialMax
	}
	if o.RedialMax < o.RedialMin {
		o.RedialMax = o.RedialMin
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	return o
}

// Manager keeps one Connection per relay server and hands out listeners and
// callers bound to them. Connections live until Close.
type Manager struct {
	opts Options

	mu          sync.Mutex
	connections map[string]*Connection
	closed      bool
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:        opts.withDefaults(),
		connections: make(map[string]*Connection),
	}
}

func (m *Manager) Metrics() *metrics.Metrics { return m.opts.Metrics }

// Listener returns the listener for ep, creating it on first use, and makes
// sure the connection to ep's server is being established. Repeated calls with
// an equal endpoint return the same proxy.
func (m *Manager) Listener(ep Endpoint) *ListenerProxy {
	return m.connection(ep.ServerURL).listener(ep.LinkupID)
}

// Caller returns a new caller sending to remote and advertising local as the
// reply address. The connection may not be open yet; sends are queued.
func (m *Manager) Caller(remote, local Endpoint) *CallerProxy {
	conn := m.connection(remote.ServerURL)
	return &CallerProxy{
		remote: NewEndpoint(conn.serverURL, remote.LinkupID),
		local:  NewEndpoint(local.ServerURL, local.LinkupID),
		conn:   conn,
	}
}

// ReplyCaller builds a caller back to the sender of a message received by l's
// default callback, advertising l's endpoint for further replies.
func (m *Manager) ReplyCaller(l *ListenerProxy, replyServerURL, replyLinkupID string) *CallerProxy {
	return m.Caller(NewEndpoint(replyServerURL, replyLinkupID), l.Endpoint())
}

// Connections lists the relay servers this manager has connections for.
func (m *Manager) Connections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.connections))
	for serverURL := range m.connections {
		out = append(out, serverURL)
	}
	sort.Strings(out)
	return out
}

// Close closes every connection. Listeners and callers obtained afterwards are
// inert and their sends fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.close())
	}
	return err
}

func (m *Manager) connection(serverURL string) *Connection {
	key := serverKey(serverURL)

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.connections[key]; ok {
		return c
	}
	c := newConnection(key, m.opts)
	m.connections[key] = c
	if m.closed {
		c.closed = true
		c.state = StateClosed
		return c
	}

	// Start dialing right away; a new connection is about to be used.
	c.mu.Lock()
	c.ensureTransportLocked()
	c.mu.Unlock()
	return c
}

// connectionFor exposes the connection for serverURL to tests without creating
// one.
func (m *Manager) connectionFor(serverURL string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections[serverKey(serverURL)]
}
