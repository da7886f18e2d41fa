package linkup

import "errors"

var (
	// ErrQueueFull is returned by Send when the outbound queue for a relay
	// server has reached its byte budget. The message was not enqueued.
	ErrQueueFull = errors.New("linkup outbound queue full")
	// ErrClosed is returned by Send after the owning Manager has been closed.
	ErrClosed         = errors.New("linkup connection closed")
	ErrInvalidPayload = errors.New("linkup payload is not valid JSON")
)
