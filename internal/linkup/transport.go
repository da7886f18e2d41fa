package linkup

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteWait = 1 * time.Second

// Transport is one physical, message-oriented link to a relay server.
//
// ReadMessage is called from a single goroutine. WriteMessage calls are
// serialised by the owning Connection. Close may be called concurrently with
// both and must unblock a pending ReadMessage.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close() error
}

// Dialer opens transports. Dial blocks until the transport is open or ctx is
// done.
type Dialer interface {
	Dial(ctx context.Context, serverURL string) (Transport, error)
}

// WebSocketDialer dials relay servers with gorilla/websocket. Frames are sent
// as text messages. Protocol-level ping frames are answered by gorilla; the
// relay's JSON pings are handled by Connection.
type WebSocketDialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Origin, when set, is sent as the Origin header of the handshake.
	Origin string
	// WriteTimeout bounds each frame write. Zero disables the deadline.
	WriteTimeout time.Duration
	// MaxMessageBytes caps inbound frames. Zero leaves gorilla's default.
	MaxMessageBytes int64
}

func (d WebSocketDialer) Dial(ctx context.Context, serverURL string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if d.Origin != "" {
		header.Set("Origin", d.Origin)
	}

	conn, _, err := dialer.DialContext(ctx, serverURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}
	if d.MaxMessageBytes > 0 {
		conn.SetReadLimit(d.MaxMessageBytes)
	}
	return &wsTransport{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(frame []byte) error {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWriteWait))
	return t.conn.Close()
}
