package linkup

import "time"

// backoff yields exponentially growing redial delays between min and max.
type backoff struct {
	min  time.Duration
	max  time.Duration
	next time.Duration
}

func (b *backoff) Next() time.Duration {
	if b.next < b.min {
		b.next = b.min
	}
	d := b.next
	b.next *= 2
	if b.next > b.max || b.next <= 0 {
		b.next = b.max
	}
	return d
}

func (b *backoff) Reset() {
	b.next = 0
}
