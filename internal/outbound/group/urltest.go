package group

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proxykernel/internal/outbound"
	"proxykernel/internal/persistence"
	"proxykernel/internal/resilience"
	"proxykernel/internal/session"
)

func init() {
	outbound.Register("url-test", buildURLTest)
}

// URLTest periodically probes every member's latency against a configured
// URL and routes to the lowest-latency live member, with a tolerance band
// to avoid flapping between near-equal members.
type URLTest struct {
	tag        string
	members    []outbound.Handler
	memberTags []string
	url        string
	interval   time.Duration
	tolerance  time.Duration
	timeout    time.Duration
	statePath  string
	pool       *healthPool

	mu        sync.Mutex
	latencies map[string]time.Duration
	bestIdx   int
	lastCheck time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func buildURLTest(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	tags, err := memberTags(settings)
	if err != nil {
		return nil, fmt.Errorf("url-test %q: %w", tag, err)
	}
	members, err := resolveMembers(deps, tags)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("url-test %q: at least one member required", tag)
	}
	u := &URLTest{
		tag: tag, members: members, memberTags: tags,
		url:       stringOr(settings["url"], "http://www.gstatic.com/generate_204"),
		interval:  durationOr(settings["interval"], 300*time.Second),
		tolerance: durationOr(settings["tolerance"], 0),
		timeout:   5 * time.Second,
		pool:      defaultPool,
		latencies: map[string]time.Duration{},
		stopCh:    make(chan struct{}),
	}
	u.statePath, _ = settings["state_path"].(string)
	u.loadPersisted()
	go resilience.RunTicked(u.stopCh, u.interval, u.probeAll, nil)
	return u, nil
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func durationOr(v any, def time.Duration) time.Duration {
	switch t := v.(type) {
	case float64:
		return time.Duration(t) * time.Millisecond
	case int:
		return time.Duration(t) * time.Millisecond
	default:
		return def
	}
}

func (u *URLTest) loadPersisted() {
	if u.statePath == "" {
		return
	}
	state := persistence.LoadGroupState(u.statePath)
	rec, ok := state[u.tag]
	if !ok {
		return
	}
	for i, t := range u.memberTags {
		if t == rec.Selected {
			u.bestIdx = i
			return
		}
	}
}

func (u *URLTest) persist(latency time.Duration) {
	if u.statePath == "" {
		return
	}
	state := persistence.LoadGroupState(u.statePath)
	state[u.tag] = persistence.GroupRecord{
		Selected:       u.CurrentTag(),
		BestLatencyMs:  latency.Milliseconds(),
		LastCheckEpoch: time.Now().Unix(),
	}
	_ = persistence.SaveGroupState(u.statePath, state)
}

// probeAll runs one health-check round across every member, submitted to
// the shared health pool to bound cross-group concurrency, and blocks
// until all probes in this round complete.
func (u *URLTest) probeAll() {
	var wg sync.WaitGroup
	results := make([]time.Duration, len(u.members))
	ok := make([]bool, len(u.members))
	for i, m := range u.members {
		wg.Add(1)
		i, m := i, m
		u.pool.run(func() {
			defer wg.Done()
			d, err := probeLatency(context.Background(), m, u.url, u.timeout)
			if err == nil {
				results[i], ok[i] = d, true
			}
		})
	}
	wg.Wait()

	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastCheck = time.Now()

	bestIdx, bestLatency := -1, time.Duration(0)
	for i, live := range ok {
		if !live {
			continue
		}
		u.latencies[u.memberTags[i]] = results[i]
		if bestIdx == -1 || results[i] < bestLatency {
			bestIdx, bestLatency = i, results[i]
		}
	}
	if bestIdx == -1 {
		return // all members failed; keep the previous selection
	}
	if current, ok := u.latencies[u.memberTags[u.bestIdx]]; ok && bestIdx != u.bestIdx {
		if current-bestLatency <= u.tolerance {
			return // within tolerance band: anti-flap, keep current
		}
	}
	u.bestIdx = bestIdx
	u.persist(bestLatency)
}

func (u *URLTest) Tag() string { return u.tag }

// CurrentTag returns the currently selected member's tag.
func (u *URLTest) CurrentTag() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.memberTags[u.bestIdx]
}

func (u *URLTest) currentHandler() outbound.Handler {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.members[u.bestIdx]
}

func (u *URLTest) Connect(ctx context.Context, sess *session.Session) (session.ByteStream, error) {
	return u.currentHandler().Connect(ctx, sess)
}

func (u *URLTest) ConnectUDP(ctx context.Context, sess *session.Session) (session.UdpTransport, error) {
	return u.currentHandler().ConnectUDP(ctx, sess)
}

// Stop ends the background probe loop; called during shutdown.
func (u *URLTest) Stop() {
	u.stopOnce.Do(func() { close(u.stopCh) })
}
