package group

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proxykernel/internal/outbound"
	"proxykernel/internal/resilience"
	"proxykernel/internal/session"
)

func init() {
	outbound.Register("fallback", buildFallback)
}

// Fallback walks members in declaration order and uses the first whose
// last health check succeeded, sharing the same probe mechanism as
// URLTest but tracking only liveness, never a "best" member.
type Fallback struct {
	tag        string
	members    []outbound.Handler
	memberTags []string
	url        string
	interval   time.Duration
	timeout    time.Duration
	pool       *healthPool

	mu     sync.Mutex
	alive  []bool
	stopCh chan struct{}
}

func buildFallback(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	tags, err := memberTags(settings)
	if err != nil {
		return nil, fmt.Errorf("fallback %q: %w", tag, err)
	}
	members, err := resolveMembers(deps, tags)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("fallback %q: at least one member required", tag)
	}
	f := &Fallback{
		tag: tag, members: members, memberTags: tags,
		url:      stringOr(settings["url"], "http://www.gstatic.com/generate_204"),
		interval: durationOr(settings["interval"], 300*time.Second),
		timeout:  5 * time.Second,
		pool:     defaultPool,
		alive:    make([]bool, len(members)),
		stopCh:   make(chan struct{}),
	}
	for i := range f.alive {
		f.alive[i] = true // assume live until the first probe round proves otherwise
	}
	go resilience.RunTicked(f.stopCh, f.interval, f.probeAll, nil)
	return f, nil
}

func (f *Fallback) probeAll() {
	var wg sync.WaitGroup
	alive := make([]bool, len(f.members))
	for i, m := range f.members {
		wg.Add(1)
		i, m := i, m
		f.pool.run(func() {
			defer wg.Done()
			_, err := probeLatency(context.Background(), m, f.url, f.timeout)
			alive[i] = err == nil
		})
	}
	wg.Wait()
	f.mu.Lock()
	f.alive = alive
	f.mu.Unlock()
}

func (f *Fallback) Tag() string { return f.tag }

func (f *Fallback) currentHandler() (outbound.Handler, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, live := range f.alive {
		if live {
			return f.members[i], nil
		}
	}
	return nil, fmt.Errorf("fallback %q: no live member", f.tag)
}

func (f *Fallback) Connect(ctx context.Context, sess *session.Session) (session.ByteStream, error) {
	h, err := f.currentHandler()
	if err != nil {
		return nil, err
	}
	return h.Connect(ctx, sess)
}

func (f *Fallback) ConnectUDP(ctx context.Context, sess *session.Session) (session.UdpTransport, error) {
	h, err := f.currentHandler()
	if err != nil {
		return nil, err
	}
	return h.ConnectUDP(ctx, sess)
}

// Stop ends the background probe loop; called during shutdown.
func (f *Fallback) Stop() { close(f.stopCh) }
