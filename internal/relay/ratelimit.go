package relay

import (
	"sync"
	"time"
)

// TokenBucket is a byte-rate limiter with the same discipline as VSA's
// TryConsume: a tiny mutex-guarded critical section that never blocks
// across I/O. Callers that want fewer bytes than requested get a short
// allowance back rather than blocking inside the bucket.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // bytes per second
	last       time.Time
	now        func() time.Time
}

// NewTokenBucket builds a bucket with the given sustained rate (bytes per
// second) and burst capacity (bytes). The bucket starts full.
func NewTokenBucket(ratePerSecond, capacity int64) *TokenBucket {
	if capacity <= 0 {
		capacity = ratePerSecond
	}
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: ratePerSecond,
		last:       time.Now(),
		now:        time.Now,
	}
}

// TryConsume returns the number of bytes (0 <= allowed <= requested) the
// caller may transfer right now. The relay issues a shorter write instead
// of blocking when allowed < requested.
func (b *TokenBucket) TryConsume(requested int64) int64 {
	if requested <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens <= 0 {
		return 0
	}
	allowed := requested
	if allowed > b.tokens {
		allowed = b.tokens
	}
	b.tokens -= allowed
	return allowed
}

func (b *TokenBucket) refillLocked() {
	n := b.now()
	elapsed := n.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = n
	added := int64(elapsed.Seconds() * float64(b.refillRate))
	if added <= 0 {
		return
	}
	b.tokens += added
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}
