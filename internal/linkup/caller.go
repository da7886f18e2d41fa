package linkup

import (
	"encoding/json"
	"fmt"
)

// CallerProxy sends messages to one remote linkup id, advertising a local
// endpoint the remote side can reply to.
type CallerProxy struct {
	remote Endpoint
	local  Endpoint
	conn   *Connection
}

func (c *CallerProxy) Remote() Endpoint { return c.remote }
func (c *CallerProxy) Local() Endpoint  { return c.local }

// Send enqueues data for the remote linkup id under callID. It never waits for
// the network; a nil error means the message will be written once the
// connection to the relay is open.
func (c *CallerProxy) Send(callID string, data json.RawMessage) error {
	if !json.Valid(data) {
		return ErrInvalidPayload
	}
	return c.conn.send(Message{
		Action:         ActionSend,
		LinkupID:       c.remote.LinkupID,
		CallID:         callID,
		Data:           data,
		ReplyServerURL: c.local.wireServerURL(),
		ReplyLinkupID:  c.local.LinkupID,
	})
}

// SendJSON marshals v and sends it with Send.
func (c *CallerProxy) SendJSON(callID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal linkup payload: %w", err)
	}
	return c.Send(callID, data)
}
