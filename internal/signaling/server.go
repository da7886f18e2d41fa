package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/origin"
)

const (
	DefaultPingInterval         = 20 * time.Second
	DefaultIdleTimeout          = 60 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultWriteTimeout         = 5 * time.Second

	// peerSendQueue bounds frames waiting for one peer's writer. A peer that
	// falls this far behind is disconnected.
	peerSendQueue = 256
)

var ErrServerClosed = errors.New("signaling server closed")

// Config wires the relay's limits and dependencies. Zero values select the
// defaults above.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins is the browser Origin allowlist. "*" allows any origin;
	// an empty list allows same-host origins and requests without one.
	AllowedOrigins []string

	PingInterval         time.Duration
	IdleTimeout          time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	WriteTimeout         time.Duration
}

// Server implements the relay's websocket surface.
//
// Endpoints:
//   - GET /        : linkup websocket
//   - GET /linkup  : same, for deployments that share a host with other routes
type Server struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	origins *origin.Policy

	pingInterval         time.Duration
	idleTimeout          time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	writeTimeout         time.Duration

	upgrader websocket.Upgrader

	mu        sync.Mutex
	peers     map[*peer]struct{}
	listeners map[string]map[*peer]struct{}
	closed    bool
}

func NewServer(cfg Config) (*Server, error) {
	origins, err := origin.NewPolicy(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:                  cfg.Logger,
		metrics:              cfg.Metrics,
		origins:              origins,
		pingInterval:         cfg.PingInterval,
		idleTimeout:          cfg.IdleTimeout,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		writeTimeout:         cfg.WriteTimeout,
		peers:                make(map[*peer]struct{}),
		listeners:            make(map[string]map[*peer]struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.pingInterval <= 0 {
		s.pingInterval = DefaultPingInterval
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = DefaultMaxMessageBytes
	}
	if s.maxMessagesPerSecond <= 0 {
		s.maxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = DefaultWriteTimeout
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleWebSocket)
	mux.HandleFunc("GET /linkup", s.handleWebSocket)
}

// ServeHTTP provides minimal routing for tests and simple deployments.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && (r.URL.Path == "/" || r.URL.Path == "/linkup"):
		s.handleWebSocket(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// ListenerCount reports how many connections currently listen on linkupID.
func (s *Server) ListenerCount(linkupID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[linkupID])
}

// PeerCount reports the number of open relay connections.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Ready reports ErrServerClosed once Close has been called.
func (s *Server) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	return nil
}

// Close disconnects every peer. Later upgrades are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.origins.Allow(r) {
		return true
	}
	s.metrics.Inc(metrics.RelayOriginRejected)
	s.log.Info("rejecting relay connection from disallowed origin",
		"origin", r.Header.Get("Origin"),
		"remote_addr", r.RemoteAddr,
	)
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{
		id:      uuid.NewString(),
		srv:     s,
		conn:    conn,
		send:    make(chan []byte, peerSendQueue),
		done:    make(chan struct{}),
		listens: make(map[string]struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.maxMessagesPerSecond), s.maxMessagesPerSecond),
	}
	p.log = s.log.With("peer_id", p.id, "remote_addr", r.RemoteAddr)

	if !s.addPeer(p) {
		p.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	s.metrics.Inc(metrics.RelayConnections)
	p.log.Debug("relay peer connected")

	go p.writeLoop()
	p.readLoop()
}

func (s *Server) addPeer(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p] = struct{}{}
	return true
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, p)
	for id := range p.listens {
		set := s.listeners[id]
		delete(set, p)
		if len(set) == 0 {
			delete(s.listeners, id)
		}
	}
}

func (s *Server) listen(p *peer, linkupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[p]; !ok {
		return
	}
	set := s.listeners[linkupID]
	if set == nil {
		set = make(map[*peer]struct{})
		s.listeners[linkupID] = set
	}
	set[p] = struct{}{}
	p.listens[linkupID] = struct{}{}
}

// route hands frame to every peer listening on linkupID and reports how many
// received it.
func (s *Server) route(linkupID string, frame []byte) int {
	s.mu.Lock()
	targets := make([]*peer, 0, len(s.listeners[linkupID]))
	for p := range s.listeners[linkupID] {
		targets = append(targets, p)
	}
	s.mu.Unlock()

	n := 0
	for _, p := range targets {
		if p.enqueue(frame) {
			n++
		}
	}
	return n
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
