// Package tracker maintains the live-session registry: one Connection
// record per in-flight dispatch, sharded across fine-grained locks so
// inserts/removes stay O(1) and contend with a control-API snapshot only on
// the one shard it is copying; byte-counter updates are lock-free atomics.
package tracker

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"proxykernel/internal/addr"
)

const shardCount = 32

// Connection is the record held for every live session, matching spec.md's
// tracker schema. UploadBytes/DownloadBytes are updated by the relay via
// AddUpload/AddDownload and read without locking the shard (plain atomics).
type Connection struct {
	ID               uint64
	InboundTag       string
	OutboundTag      string
	Target           addr.Address
	Source           netip.AddrPort
	HasSource        bool
	Network          addr.Network
	StartInstant     time.Time
	DetectedProtocol string
	RuleID           int

	uploadBytes   atomic.Int64
	downloadBytes atomic.Int64
}

// AddUpload adds n bytes to the connection's upload counter.
func (c *Connection) AddUpload(n int64) { c.uploadBytes.Add(n) }

// AddDownload adds n bytes to the connection's download counter.
func (c *Connection) AddDownload(n int64) { c.downloadBytes.Add(n) }

// Bytes returns the current upload/download totals.
func (c *Connection) Bytes() (upload, download int64) {
	return c.uploadBytes.Load(), c.downloadBytes.Load()
}

// Snapshot is an immutable copy of a Connection's fields for API responses.
// It duplicates rather than embeds Connection so copying it never copies
// the live atomic counters.
type Snapshot struct {
	ID               uint64
	InboundTag       string
	OutboundTag      string
	Target           addr.Address
	Source           netip.AddrPort
	HasSource        bool
	Network          addr.Network
	StartInstant     time.Time
	DetectedProtocol string
	RuleID           int
	UploadBytes      int64
	DownloadBytes    int64
}

type shard struct {
	mu   sync.Mutex
	byID map[uint64]*Connection
}

// Tracker is the concurrent, capacity-bounded connection registry.
type Tracker struct {
	shards        [shardCount]*shard
	maxConns      int64
	active        atomic.Int64
	nextID        atomic.Uint64
	totalAdmitted atomic.Int64
	totalRejected atomic.Int64
}

// New constructs a Tracker admitting at most maxConns simultaneous
// sessions. maxConns <= 0 means unbounded.
func New(maxConns int) *Tracker {
	t := &Tracker{maxConns: int64(maxConns)}
	for i := range t.shards {
		t.shards[i] = &shard{byID: map[uint64]*Connection{}}
	}
	return t
}

func (t *Tracker) shardFor(id uint64) *shard {
	return t.shards[id%uint64(shardCount)]
}

// Admit increments the active-session count, failing with ok=false if doing
// so would exceed the configured maximum. It does not register a record;
// call Register afterward once the outbound connect succeeds, matching
// spec.md's admission-then-register two-step dispatch sequence.
func (t *Tracker) Admit() (ok bool) {
	if t.maxConns <= 0 {
		t.active.Add(1)
		t.totalAdmitted.Add(1)
		return true
	}
	for {
		cur := t.active.Load()
		if cur >= t.maxConns {
			t.totalRejected.Add(1)
			return false
		}
		if t.active.CompareAndSwap(cur, cur+1) {
			t.totalAdmitted.Add(1)
			return true
		}
	}
}

// Release decrements the active-session count without removing any record;
// used when admission succeeds but a later dispatch step fails before a
// Connection record was ever registered.
func (t *Tracker) Release() { t.active.Add(-1) }

// NewID allocates a unique, monotonically increasing connection ID.
func (t *Tracker) NewID() uint64 { return t.nextID.Add(1) }

// Register inserts c into the registry, keyed by c.ID.
func (t *Tracker) Register(c *Connection) {
	c.StartInstant = time.Now()
	s := t.shardFor(c.ID)
	s.mu.Lock()
	s.byID[c.ID] = c
	s.mu.Unlock()
}

// Remove deletes the record for id and decrements the active count. Safe to
// call even if id was never registered (e.g. admission succeeded but the
// outbound connect failed before Register).
func (t *Tracker) Remove(id uint64) {
	s := t.shardFor(id)
	s.mu.Lock()
	_, existed := s.byID[id]
	delete(s.byID, id)
	s.mu.Unlock()
	if existed {
		t.active.Add(-1)
	} else {
		t.Release()
	}
}

// Get returns the record for id, if still live.
func (t *Tracker) Get(id uint64) (*Connection, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	return c, ok
}

// Count returns the current number of live sessions.
func (t *Tracker) Count() int64 { return t.active.Load() }

// Stats reports cumulative admission counters for metrics/logging.
func (t *Tracker) Stats() (admitted, rejected int64) {
	return t.totalAdmitted.Load(), t.totalRejected.Load()
}

// Snapshot returns a point-in-time copy of every live connection record,
// acquired by iterating shards one at a time (never holding more than one
// shard's lock, so a concurrent insert/remove on another shard never blocks
// the snapshot).
func (t *Tracker) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, t.active.Load())
	for _, s := range t.shards {
		s.mu.Lock()
		for _, c := range s.byID {
			up, down := c.Bytes()
			out = append(out, Snapshot{
				ID:               c.ID,
				InboundTag:       c.InboundTag,
				OutboundTag:      c.OutboundTag,
				Target:           c.Target,
				Source:           c.Source,
				HasSource:        c.HasSource,
				Network:          c.Network,
				StartInstant:     c.StartInstant,
				DetectedProtocol: c.DetectedProtocol,
				RuleID:           c.RuleID,
				UploadBytes:      up,
				DownloadBytes:    down,
			})
		}
		s.mu.Unlock()
	}
	return out
}
