// Package accesslog writes one line per completed session: timestamp,
// connection id, source/target, network, inbound/outbound tags, matched
// rule, byte totals, duration, status, error, and detected protocol.
// Plain fmt.Fprintf formatting, matching the teacher's logging register
// (no structured-logging library appears anywhere in its codebase).
package accesslog

import (
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"proxykernel/internal/addr"
)

// Status is the terminal outcome of a session.
type Status string

const (
	OK   Status = "OK"
	FAIL Status = "FAIL"
)

// Record is one session's complete access-log entry.
type Record struct {
	Timestamp        time.Time
	ConnID           uint64
	Source           netip.AddrPort
	HasSource        bool
	Target           addr.Address
	Network          addr.Network
	InboundTag       string
	OutboundTag      string
	RuleID           int
	UploadBytes      int64
	DownloadBytes    int64
	Duration         time.Duration
	Status           Status
	Err              error
	DetectedProtocol string
}

// Logger writes Records to an underlying io.Writer, one line at a time.
// ErrorsOnly suppresses OK records, matching spec.md's log_errors_only.
type Logger struct {
	mu         sync.Mutex
	w          io.Writer
	errorsOnly bool
}

// New builds a Logger writing to w.
func New(w io.Writer, errorsOnly bool) *Logger {
	return &Logger{w: w, errorsOnly: errorsOnly}
}

// Log writes r as one line, unless errorsOnly is set and r.Status == OK.
func (l *Logger) Log(r Record) {
	if l.errorsOnly && r.Status == OK {
		return
	}
	source := "-"
	if r.HasSource {
		source = r.Source.String()
	}
	errStr := "-"
	if r.Err != nil {
		errStr = r.Err.Error()
	}
	protocol := r.DetectedProtocol
	if protocol == "" {
		protocol = "-"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s conn_id=%d source=%s target=%s network=%s inbound=%s outbound=%s rule=%d upload=%d download=%d duration_ms=%d status=%s error=%s protocol=%s\n",
		r.Timestamp.Format(time.RFC3339Nano),
		r.ConnID,
		source,
		r.Target.String(),
		r.Network.String(),
		r.InboundTag,
		r.OutboundTag,
		r.RuleID,
		r.UploadBytes,
		r.DownloadBytes,
		r.Duration.Milliseconds(),
		r.Status,
		errStr,
		protocol,
	)
}
