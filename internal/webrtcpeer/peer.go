package webrtcpeer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/linkup"
)

const (
	DefaultICEGatherTimeout = 10 * time.Second
	DefaultConnectTimeout   = 30 * time.Second
)

const (
	signalOffer  = "offer"
	signalAnswer = "answer"
	signalError  = "error"
)

var ErrGatherTimeout = errors.New("ice gathering timed out")

// signal is the linkup payload of a negotiation. Offer and answer carry the
// full SDP after gathering; candidates are not trickled.
type signal struct {
	Type  string `json:"type"`
	SDP   string `json:"sdp,omitempty"`
	Error string `json:"error,omitempty"`
}

// RemoteError is an error reported by the answering peer.
type RemoteError struct {
	Remote linkup.Endpoint
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s rejected offer: %s", e.Remote, e.Reason)
}

type Config struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger

	ICEGatherTimeout time.Duration
	// ConnectTimeout bounds how long an answered session may take to open its
	// DataChannel before it is closed.
	ConnectTimeout time.Duration
}

// Peer negotiates sessions for one local linkup endpoint.
type Peer struct {
	cfg      Config
	log      *slog.Logger
	mgr      *linkup.Manager
	listener *linkup.ListenerProxy

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// New listens on local through mgr. Offers arriving there are only answered
// after Serve is called.
func New(mgr *linkup.Manager, local linkup.Endpoint, cfg Config) *Peer {
	if cfg.API == nil {
		cfg.API = webrtc.NewAPI()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ICEGatherTimeout <= 0 {
		cfg.ICEGatherTimeout = DefaultICEGatherTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Peer{
		cfg:      cfg,
		log:      cfg.Logger.With("local", local.URL()),
		mgr:      mgr,
		listener: mgr.Listener(local),
		sessions: make(map[*Session]struct{}),
	}
}

func (p *Peer) Local() linkup.Endpoint { return p.listener.Endpoint() }

// Dial offers a session to remote and waits for its answer. The returned
// session may still be connecting; use WaitOpen.
func (p *Peer) Dial(ctx context.Context, remote linkup.Endpoint) (*Session, error) {
	pc, err := p.cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	callID := linkup.NewCallID()
	sess := newSession(pc, callID, remote, p.log)

	dc, err := createDataChannel(pc)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("create datachannel: %w", err)
	}
	sess.attach(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	local, err := p.gather(ctx, pc, offer)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}

	// The answer comes back to our listener under the same call id.
	answers := make(chan signal, 1)
	p.listener.RegisterCallback(callID, func(data json.RawMessage) {
		var sig signal
		if err := json.Unmarshal(data, &sig); err != nil {
			p.log.Info("discarding malformed negotiation reply", "call_id", callID, "err", err)
			return
		}
		select {
		case answers <- sig:
		default:
		}
	})

	caller := p.mgr.Caller(remote, p.Local())
	if err := caller.SendJSON(callID, signal{Type: signalOffer, SDP: local.SDP}); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}
	p.log.Debug("sent offer", "call_id", callID, "remote", remote.URL())

	var answer signal
	select {
	case answer = <-answers:
	case <-ctx.Done():
		_ = sess.Close()
		return nil, ctx.Err()
	}

	switch answer.Type {
	case signalAnswer:
	case signalError:
		_ = sess.Close()
		return nil, &RemoteError{Remote: remote, Reason: answer.Error}
	default:
		_ = sess.Close()
		return nil, fmt.Errorf("unexpected negotiation reply type %q", answer.Type)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	p.track(sess)
	return sess, nil
}

// Serve answers every offer sent to the local endpoint and passes each new
// session to onSession from its own goroutine.
func (p *Peer) Serve(onSession func(*Session)) {
	p.listener.SetDefaultCallback(func(callID string, data json.RawMessage, replyServerURL, replyLinkupID string) {
		var sig signal
		if err := json.Unmarshal(data, &sig); err != nil || sig.Type != signalOffer {
			p.log.Info("ignoring non-offer message", "call_id", callID)
			return
		}
		if replyServerURL == "" || replyLinkupID == "" {
			p.log.Info("ignoring offer without reply address", "call_id", callID)
			return
		}
		reply := p.mgr.ReplyCaller(p.listener, replyServerURL, replyLinkupID)
		// Gathering takes a while; never block the linkup read loop on it.
		go p.answer(callID, sig.SDP, reply, onSession)
	})
}

func (p *Peer) answer(callID, offerSDP string, reply *linkup.CallerProxy, onSession func(*Session)) {
	log := p.log.With("call_id", callID, "remote", reply.Remote().URL())

	sess, err := p.accept(callID, offerSDP, reply)
	if err != nil {
		log.Warn("failed to answer offer", "err", err)
		if sendErr := reply.SendJSON(callID, signal{Type: signalError, Error: err.Error()}); sendErr != nil {
			log.Warn("failed to report negotiation error", "err", sendErr)
		}
		return
	}
	p.track(sess)

	// A session whose channel never opens is abandoned.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
		defer cancel()
		if err := sess.WaitOpen(ctx); err != nil {
			log.Info("answered session did not open", "err", err)
			_ = sess.Close()
		}
	}()

	if onSession != nil {
		onSession(sess)
	}
}

func (p *Peer) accept(callID, offerSDP string, reply *linkup.CallerProxy) (*Session, error) {
	pc, err := p.cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	sess := newSession(pc, callID, reply.Remote(), p.log)
	pc.OnDataChannel(sess.attach)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	local, err := p.gather(context.Background(), pc, answer)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if err := reply.SendJSON(callID, signal{Type: signalAnswer, SDP: local.SDP}); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("send answer: %w", err)
	}
	return sess, nil
}

// gather sets desc as the local description and waits for ICE gathering to
// finish, returning the description with every candidate in it.
func (p *Peer) gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(p.cfg.ICEGatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return nil, ErrGatherTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return nil, errors.New("missing local description after gathering")
	}
	return local, nil
}

func (p *Peer) track(sess *Session) {
	p.mu.Lock()
	p.sessions[sess] = struct{}{}
	p.mu.Unlock()

	go func() {
		<-sess.Done()
		p.mu.Lock()
		delete(p.sessions, sess)
		p.mu.Unlock()
	}()
}

// Sessions reports the number of live sessions.
func (p *Peer) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close stops answering offers and closes every session.
func (p *Peer) Close() error {
	p.listener.SetDefaultCallback(nil)

	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}
	return err
}
