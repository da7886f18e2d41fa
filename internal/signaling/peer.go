package signaling

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/linkup"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/metrics"
)

var pingFrame = []byte(`{"action":"ping"}`)

// peer is one websocket connection to the relay. readLoop owns reads; all data
// frames are written by writeLoop. Control frames go through WriteControl,
// which gorilla allows concurrently with the writer.
type peer struct {
	id   string
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	send chan []byte
	done chan struct{}

	// listens is guarded by srv.mu.
	listens map[string]struct{}
	limiter *rate.Limiter

	closeOnce sync.Once
}

func (p *peer) readLoop() {
	defer p.closeWith(websocket.CloseNormalClosure, "")

	s := p.srv
	p.conn.SetReadLimit(s.maxMessageBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			p.readFailed(err)
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		// Rate limit after reading so the close frame is not lost behind
		// unread bytes.
		if !p.limiter.Allow() {
			s.metrics.Inc(metrics.RelayRateLimited)
			p.log.Info("relay peer exceeded message rate", "limit_per_second", s.maxMessagesPerSecond)
			p.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.RelayMalformed)
			p.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := linkup.DecodeMessage(data)
		if err != nil {
			s.metrics.Inc(metrics.RelayMalformed)
			p.log.Debug("discarding malformed relay frame", "err", err)
			continue
		}
		p.handle(msg)
	}
}

func (p *peer) readFailed(err error) {
	s := p.srv
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		// gorilla has already sent 1009.
		s.metrics.Inc(metrics.RelayMessageTooLarge)
		p.log.Info("relay peer sent oversized frame", "max_bytes", s.maxMessageBytes)
	case isTimeout(err):
		s.metrics.Inc(metrics.RelayIdleTimeouts)
		p.log.Info("closing idle relay peer", "idle_timeout", s.idleTimeout)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		p.log.Debug("relay peer disconnected")
	default:
		p.log.Debug("relay peer read failed", "err", err)
	}
}

func (p *peer) handle(msg linkup.Message) {
	s := p.srv
	switch msg.Action {
	case linkup.ActionListen:
		if msg.LinkupID == "" {
			s.metrics.Inc(metrics.RelayMalformed)
			return
		}
		s.listen(p, msg.LinkupID)
		s.metrics.Inc(metrics.RelayListens)
		p.log.Debug("relay peer listening", "linkup_id", msg.LinkupID)

	case linkup.ActionSend:
		if msg.LinkupID == "" {
			s.metrics.Inc(metrics.RelayMalformed)
			return
		}
		frame, err := msg.Encode()
		if err != nil {
			s.metrics.Inc(metrics.RelayMalformed)
			p.log.Debug("discarding unencodable send", "err", err)
			return
		}
		n := s.route(msg.LinkupID, frame)
		if n == 0 {
			s.metrics.Inc(metrics.RelayUnrouted)
			p.log.Debug("no listener for linkup id", "linkup_id", msg.LinkupID)
			return
		}
		s.metrics.Add(metrics.RelayForwarded, uint64(n))

	case linkup.ActionPong, linkup.ActionPing:
		// Only refreshes the idle deadline.

	default:
		p.log.Debug("ignoring unknown relay action", "action", msg.Action)
	}
}

// enqueue hands frame to the writer without blocking. A peer whose queue is
// full is disconnected.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		p.srv.metrics.Inc(metrics.RelayPeerBackpressure)
		p.log.Warn("relay peer too slow, disconnecting", "queued_frames", len(p.send))
		go p.closeWith(websocket.ClosePolicyViolation, "too slow")
		return false
	}
}

func (p *peer) writeLoop() {
	s := p.srv
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		var frame []byte
		select {
		case <-p.done:
			return
		case frame = <-p.send:
		case <-ticker.C:
			frame = pingFrame
		}
		_ = p.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			p.log.Debug("relay peer write failed", "err", err)
			p.closeWith(websocket.CloseAbnormalClosure, "")
			return
		}
	}
}

// closeWith sends a close frame (unless code is CloseAbnormalClosure, which is
// never sent on the wire) and tears the peer down once.
func (p *peer) closeWith(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		p.srv.removePeer(p)
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(p.srv.writeTimeout))
		}
		_ = p.conn.Close()
		p.log.Debug("relay peer closed", "code", code)
	})
}
