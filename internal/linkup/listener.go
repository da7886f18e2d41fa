package linkup

import (
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/metrics"
)

// Callback receives the payload of a send message addressed to the call id it
// was registered for.
type Callback func(data json.RawMessage)

// DefaultCallback receives send messages whose call id has no registered
// callbacks. The reply fields identify where the sender listens for answers.
type DefaultCallback func(callID string, data json.RawMessage, replyServerURL, replyLinkupID string)

// ListenerProxy is the inbound side of one linkup id on one relay server.
type ListenerProxy struct {
	endpoint Endpoint
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu              sync.Mutex
	callbacks       map[string][]Callback
	defaultCallback DefaultCallback
}

func newListenerProxy(endpoint Endpoint, logger *slog.Logger, m *metrics.Metrics) *ListenerProxy {
	return &ListenerProxy{
		endpoint:  endpoint,
		log:       logger.With("linkup_id", endpoint.LinkupID),
		metrics:   m,
		callbacks: make(map[string][]Callback),
	}
}

// Endpoint is the address peers use to reach this listener.
func (l *ListenerProxy) Endpoint() Endpoint { return l.endpoint }

// RegisterCallback appends fn to the callbacks for callID. Every registered
// callback fires for every matching message, in registration order, and the
// default callback is skipped for those messages.
func (l *ListenerProxy) RegisterCallback(callID string, fn Callback) {
	l.mu.Lock()
	l.callbacks[callID] = append(l.callbacks[callID], fn)
	l.mu.Unlock()
}

// SetDefaultCallback replaces the fallback handler. Passing nil removes it.
func (l *ListenerProxy) SetDefaultCallback(fn DefaultCallback) {
	l.mu.Lock()
	l.defaultCallback = fn
	l.mu.Unlock()
}

func (l *ListenerProxy) deliver(msg Message) {
	l.mu.Lock()
	registered := l.callbacks[msg.CallID]
	callbacks := make([]Callback, len(registered))
	copy(callbacks, registered)
	fallback := l.defaultCallback
	l.mu.Unlock()

	if len(callbacks) > 0 {
		l.log.Debug("delivering linkup message", "call_id", msg.CallID, "callbacks", len(callbacks))
		for _, cb := range callbacks {
			l.invoke(msg.CallID, func() { cb(msg.Data) })
		}
		l.metrics.Inc(metrics.InboundDelivered)
		return
	}

	if fallback == nil {
		l.log.Debug("no callback for linkup message", "call_id", msg.CallID)
		return
	}
	l.log.Debug("firing default callback", "call_id", msg.CallID)
	l.invoke(msg.CallID, func() {
		fallback(msg.CallID, msg.Data, msg.ReplyServerURL, msg.ReplyLinkupID)
	})
	l.metrics.Inc(metrics.InboundDelivered)
}

// invoke runs one callback, recovering a panic so sibling callbacks and the
// connection's read loop keep going.
func (l *ListenerProxy) invoke(callID string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.metrics.Inc(metrics.CallbackPanics)
			l.log.Error("panic in linkup callback",
				"call_id", callID,
				"recover", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
