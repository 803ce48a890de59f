package group

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	rendezvous "github.com/dgryski/go-rendezvous"

	"proxykernel/internal/outbound"
	"proxykernel/internal/resilience"
	"proxykernel/internal/session"
)

func init() {
	outbound.Register("load-balance", buildLoadBalance)
}

// LoadBalance dispatches across live members in one of two sub-modes:
// round-robin (a monotonic counter modulo the live member count) or
// consistent-hash (rendezvous/HRW hashing on the session target, giving
// a stable member choice per target that reshuffles minimally when
// membership changes).
type LoadBalance struct {
	tag        string
	members    []outbound.Handler
	memberTags []string
	strategy   string
	url        string
	interval   time.Duration
	timeout    time.Duration
	pool       *healthPool

	counter atomic.Uint64

	mu    sync.Mutex
	alive []bool
	table *rendezvous.Table

	stopCh chan struct{}
}

func buildLoadBalance(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	tags, err := memberTags(settings)
	if err != nil {
		return nil, fmt.Errorf("load-balance %q: %w", tag, err)
	}
	members, err := resolveMembers(deps, tags)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("load-balance %q: at least one member required", tag)
	}
	strategy := stringOr(settings["strategy"], "round-robin")
	lb := &LoadBalance{
		tag: tag, members: members, memberTags: tags, strategy: strategy,
		url:      stringOr(settings["url"], "http://www.gstatic.com/generate_204"),
		interval: durationOr(settings["interval"], 300*time.Second),
		timeout:  5 * time.Second,
		pool:     defaultPool,
		alive:    make([]bool, len(members)),
		stopCh:   make(chan struct{}),
	}
	for i := range lb.alive {
		lb.alive[i] = true
	}
	if strategy == "consistent-hash" {
		lb.table = rendezvous.New(tags, hashString)
	}
	go resilience.RunTicked(lb.stopCh, lb.interval, lb.probeAll, nil)
	return lb, nil
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func (lb *LoadBalance) probeAll() {
	var wg sync.WaitGroup
	alive := make([]bool, len(lb.members))
	for i, m := range lb.members {
		wg.Add(1)
		i, m := i, m
		lb.pool.run(func() {
			defer wg.Done()
			_, err := probeLatency(context.Background(), m, lb.url, lb.timeout)
			alive[i] = err == nil
		})
	}
	wg.Wait()
	lb.mu.Lock()
	lb.alive = alive
	lb.mu.Unlock()
}

func (lb *LoadBalance) liveIndexes() []int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	idx := make([]int, 0, len(lb.alive))
	for i, live := range lb.alive {
		if live {
			idx = append(idx, i)
		}
	}
	return idx
}

func (lb *LoadBalance) pick(s *session.Session) (outbound.Handler, error) {
	live := lb.liveIndexes()
	if len(live) == 0 {
		return nil, fmt.Errorf("load-balance %q: no live member", lb.tag)
	}
	if lb.strategy == "consistent-hash" && lb.table != nil {
		key := s.Target.Host()
		tag := lb.table.Get(key)
		for _, i := range live {
			if lb.memberTags[i] == tag {
				return lb.members[i], nil
			}
		}
		// Chosen member is currently dead: fall through to round-robin
		// among the live set so the request still completes.
	}
	n := lb.counter.Add(1)
	return lb.members[live[int(n)%len(live)]], nil
}

func (lb *LoadBalance) Tag() string { return lb.tag }

func (lb *LoadBalance) Connect(ctx context.Context, sess *session.Session) (session.ByteStream, error) {
	h, err := lb.pick(sess)
	if err != nil {
		return nil, err
	}
	return h.Connect(ctx, sess)
}

func (lb *LoadBalance) ConnectUDP(ctx context.Context, sess *session.Session) (session.UdpTransport, error) {
	h, err := lb.pick(sess)
	if err != nil {
		return nil, err
	}
	return h.ConnectUDP(ctx, sess)
}

// Stop ends the background probe loop; called during shutdown.
func (lb *LoadBalance) Stop() { close(lb.stopCh) }
