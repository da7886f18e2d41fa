package linkup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Action string

const (
	// ActionListen asks the relay to route sends for a linkup id to this
	// connection.
	ActionListen Action = "listen"
	// ActionSend carries an opaque payload to a linkup id.
	ActionSend Action = "send"
	ActionPing Action = "ping"
	ActionPong Action = "pong"
)

// Message is the only shape exchanged with a relay server. Fields that do not
// apply to an action are omitted on the wire.
type Message struct {
	Action         Action          `json:"action"`
	LinkupID       string          `json:"linkupId,omitempty"`
	CallID         string          `json:"callId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	ReplyServerURL string          `json:"replyServerUrl,omitempty"`
	ReplyLinkupID  string          `json:"replyLinkupId,omitempty"`
}

func ListenMessage(linkupID string) Message {
	return Message{Action: ActionListen, LinkupID: linkupID}
}

func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Action, err)
	}
	return b, nil
}

// DecodeMessage parses a wire frame. Unknown fields and unknown actions are
// accepted so newer relays can extend the protocol; callers decide what to do
// with actions they do not understand.
func DecodeMessage(frame []byte) (Message, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, errors.New("linkup frame is not a JSON object")
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Message{}, fmt.Errorf("decode linkup frame: %w", err)
	}
	return msg, nil
}

var pongFrame = []byte(`{"action":"pong"}`)

// NewCallID returns a random correlation id suitable for a request/response
// exchange over a linkup channel.
func NewCallID() string {
	return uuid.NewString()
}
