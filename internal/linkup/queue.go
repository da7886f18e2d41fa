package linkup

// outboundQueue is a byte-bounded FIFO of encoded frames waiting for an open
// transport. A negative budget disables the bound.
//
// It is not safe for concurrent use; the owning Connection serialises access.
type outboundQueue struct {
	maxBytes int
	curBytes int
	frames   [][]byte
}

func newOutboundQueue(maxBytes int) *outboundQueue {
	return &outboundQueue{maxBytes: maxBytes}
}

// Enqueue appends frame if it fits within the byte budget. A rejected frame
// leaves the queue untouched.
func (q *outboundQueue) Enqueue(frame []byte) bool {
	if q.maxBytes >= 0 && q.curBytes+len(frame) > q.maxBytes {
		return false
	}
	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	return true
}

func (q *outboundQueue) Peek() ([]byte, bool) {
	if len(q.frames) == 0 {
		return nil, false
	}
	return q.frames[0], true
}

// Pop removes the head frame. It must only be called after a successful write
// of the frame returned by Peek.
func (q *outboundQueue) Pop() {
	if len(q.frames) == 0 {
		return
	}
	q.curBytes -= len(q.frames[0])
	q.frames[0] = nil
	q.frames = q.frames[1:]
	if len(q.frames) == 0 {
		q.frames = nil
	}
}

func (q *outboundQueue) Len() int   { return len(q.frames) }
func (q *outboundQueue) Bytes() int { return q.curBytes }
