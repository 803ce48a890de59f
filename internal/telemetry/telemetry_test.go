package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionLifecycleUpdatesCounters(t *testing.T) {
	SessionStarted()
	AddBytes("direct", "upload", 100)
	AddBytes("direct", "download", 50)
	SessionEnded("direct", "OK")

	if got := testutil.ToFloat64(sessionsTotal.WithLabelValues("direct", "OK")); got < 1 {
		t.Fatalf("sessionsTotal = %v, want >= 1", got)
	}
	if got := testutil.ToFloat64(bytesTotal.WithLabelValues("direct", "upload")); got < 100 {
		t.Fatalf("upload bytes = %v, want >= 100", got)
	}
}

func TestAdmissionRejectedIncrements(t *testing.T) {
	before := testutil.ToFloat64(admissionRejectedTotal)
	AdmissionRejected()
	after := testutil.ToFloat64(admissionRejectedTotal)
	if after != before+1 {
		t.Fatalf("admissionRejectedTotal went from %v to %v, want +1", before, after)
	}
}

func TestBreakerStateGaugeReflectsLatestValue(t *testing.T) {
	SetBreakerState("proxy-a", 1)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("proxy-a")); got != 1 {
		t.Fatalf("breakerState = %v, want 1", got)
	}
	SetBreakerState("proxy-a", 0)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("proxy-a")); got != 0 {
		t.Fatalf("breakerState = %v, want 0", got)
	}
}
