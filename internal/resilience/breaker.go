package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow when the breaker is denying requests.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerState is the three-state machine spec.md's breaker runs through.
type BreakerState uint8

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig parameterizes one breaker instance.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
}

// DefaultBreakerConfig matches the module's documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenDuration: 30 * time.Second}
}

// Breaker is a per-outbound-tag circuit breaker. Safe for concurrent use;
// the state transitions happen under a single mutex since breaker checks
// are on the cold connect path, not the hot relay path, and don't need a
// lock-free fast path.
type Breaker struct {
	cfg BreakerConfig

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	halfOpenSuccess int
	lastFailure     time.Time
}

// NewBreaker constructs a Closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a request may proceed, applying the Open ->
// HalfOpen transition when open-duration has elapsed (exactly one caller
// performs the transition). While HalfOpen every call is allowed through
// until RecordSuccess/RecordFailure moves the state on.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed, HalfOpen:
		return nil
	case Open:
		if time.Since(b.lastFailure) >= b.cfg.OpenDuration {
			b.state = HalfOpen
			b.halfOpenSuccess = 0
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess advances a HalfOpen breaker toward Closed; a no-op in any
// other state beyond resetting the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveFail = 0
			b.halfOpenSuccess = 0
		}
	case Closed:
		b.consecutiveFail = 0
	}
}

// RecordFailure registers a failed request. In Closed state it trips to
// Open once consecutive failures reach FailureThreshold. In HalfOpen, any
// failure immediately reopens the breaker with a refreshed timestamp.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	switch b.state {
	case Closed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.state = Open
			b.lastFailure = now
		}
	case HalfOpen:
		b.state = Open
		b.lastFailure = now
		b.halfOpenSuccess = 0
	case Open:
		b.lastFailure = now
	}
}

// State returns the current state, mainly for metrics/inspection.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset clears all counters and returns the breaker to Closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFail = 0
	b.halfOpenSuccess = 0
	b.lastFailure = time.Time{}
}

// Registry holds one Breaker per outbound tag, created lazily on first use.
type Registry struct {
	cfg BreakerConfig
	mu  sync.Mutex
	m   map[string]*Breaker
}

// NewRegistry constructs a Registry that creates breakers with cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, m: map[string]*Breaker{}}
}

// Get returns the breaker for tag, creating it on first access.
func (r *Registry) Get(tag string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[tag]
	if !ok {
		b = NewBreaker(r.cfg)
		r.m[tag] = b
	}
	return b
}
