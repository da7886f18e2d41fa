package webrtcpeer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/linkup"
)

// sessionRecvQueue bounds messages received but not yet read with Recv.
const sessionRecvQueue = 64

var ErrSessionClosed = errors.New("webrtc session closed")

// Session owns one PeerConnection and the linkup DataChannel on it. It is
// created by Peer.Dial on the offering side and by Peer.Serve on the
// answering side.
type Session struct {
	callID string
	remote linkup.Endpoint
	pc     *webrtc.PeerConnection
	log    *slog.Logger

	open     chan struct{}
	openOnce sync.Once
	done     chan struct{}
	recv     chan []byte

	mu    sync.Mutex
	dc    *webrtc.DataChannel
	close sync.Once
}

func newSession(pc *webrtc.PeerConnection, callID string, remote linkup.Endpoint, logger *slog.Logger) *Session {
	s := &Session{
		callID: callID,
		remote: remote,
		pc:     pc,
		log:    logger.With("call_id", callID, "remote", remote.URL()),
		open:   make(chan struct{}),
		done:   make(chan struct{}),
		recv:   make(chan []byte, sessionRecvQueue),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			_ = s.Close()
		}
	})
	return s
}

// CallID identifies the negotiation that produced the session on both sides.
func (s *Session) CallID() string { return s.callID }

// Remote is the linkup endpoint of the other peer.
func (s *Session) Remote() linkup.Endpoint { return s.remote }

func (s *Session) PeerConnection() *webrtc.PeerConnection { return s.pc }

// attach binds dc as the session's channel. Only the first valid channel is
// used; later ones are closed.
func (s *Session) attach(dc *webrtc.DataChannel) {
	if err := validateDataChannel(dc); err != nil {
		s.log.Warn("rejecting datachannel", "label", dc.Label(), "err", err)
		_ = dc.Close()
		return
	}

	s.mu.Lock()
	if s.dc != nil {
		s.mu.Unlock()
		_ = dc.Close()
		return
	}
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.log.Info("datachannel open")
		s.openOnce.Do(func() { close(s.open) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Copy because pion reuses internal buffers.
		data := append([]byte(nil), msg.Data...)
		select {
		case s.recv <- data:
		case <-s.done:
		default:
			s.log.Warn("dropping datachannel message, receiver is not keeping up", "bytes", len(data))
		}
	})
	dc.OnClose(func() {
		_ = s.Close()
	})
}

// WaitOpen blocks until the DataChannel is open, the session closes or ctx is
// done.
func (s *Session) WaitOpen(ctx context.Context) error {
	select {
	case <-s.open:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes data as a text message when the channel is open.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	select {
	case <-s.done:
		return ErrSessionClosed
	case <-s.open:
	default:
		return errors.New("datachannel not open")
	}
	return dc.SendText(string(data))
}

// Recv returns the next received message.
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.recv:
		return data, nil
	case <-s.done:
		// Drain anything received before the close.
		select {
		case data := <-s.recv:
			return data, nil
		default:
			return nil, ErrSessionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Close() error {
	var err error
	s.close.Do(func() {
		close(s.done)
		s.log.Debug("closing webrtc session")
		err = s.pc.Close()
	})
	return err
}
