package client

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// tokenBucket rate-limits inbound frames per connection. Capacity and
// refill are both derived from the per-minute budget, so a client can
// burst up to one minute's worth and then settles at the steady rate.
type tokenBucket struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	cap    float64
	refill float64 // tokens per second
	tokens float64
	last   time.Time
}

func newTokenBucket(perMinute int, clock clockwork.Clock) *tokenBucket {
	c := float64(perMinute)
	return &tokenBucket{
		clock:  clock,
		cap:    c,
		refill: c / 60,
		tokens: c,
		last:   clock.Now(),
	}
}

// allow consumes one token, reporting false when the bucket is empty.
func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.refill
	if b.tokens > b.cap {
		b.tokens = b.cap
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
