// Package telemetry exposes the kernel's Prometheus metrics: counters and
// gauges registered once at init time. cmd/kerneld updates the session
// metrics as sessions come and go; the other recorders have no caller in
// this module.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxykernel_sessions_total",
		Help: "Total sessions dispatched, labeled by outbound tag and final status",
	}, []string{"outbound", "status"})

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxykernel_sessions_active",
		Help: "Number of sessions currently in flight",
	})

	admissionRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxykernel_admission_rejected_total",
		Help: "Total sessions rejected at admission for exceeding max-connections",
	})

	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxykernel_bytes_total",
		Help: "Total bytes relayed, labeled by outbound tag and direction",
	}, []string{"outbound", "direction"})

	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxykernel_circuit_breaker_state",
		Help: "Circuit breaker state per outbound tag (0=closed, 1=open, 2=half-open)",
	}, []string{"outbound"})

	outboundConnectDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxykernel_outbound_connect_seconds",
		Help:    "Outbound connect latency, labeled by outbound tag",
		Buckets: prometheus.DefBuckets,
	}, []string{"outbound"})

	providerRefreshErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxykernel_provider_refresh_errors_total",
		Help: "Total failed rule-provider refresh attempts, labeled by provider name",
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(
		sessionsTotal,
		sessionsActive,
		admissionRejectedTotal,
		bytesTotal,
		breakerState,
		outboundConnectDuration,
		providerRefreshErrorsTotal,
	)
}

// SessionStarted marks one more session as active.
func SessionStarted() { sessionsActive.Inc() }

// SessionEnded records the terminal status of a session (outbound tag may
// be empty when dispatch failed before an outbound was chosen) and
// decrements the active gauge.
func SessionEnded(outboundTag, status string) {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(outboundTag, status).Inc()
}

// AdmissionRejected records one admission-refused session.
func AdmissionRejected() { admissionRejectedTotal.Inc() }

// AddBytes records relayed bytes for an outbound in one direction
// ("upload" or "download").
func AddBytes(outboundTag, direction string, n int64) {
	bytesTotal.WithLabelValues(outboundTag, direction).Add(float64(n))
}

// SetBreakerState records a breaker's numeric state for an outbound tag.
func SetBreakerState(outboundTag string, state int) {
	breakerState.WithLabelValues(outboundTag).Set(float64(state))
}

// ObserveConnectDuration records how long an outbound connect attempt took.
func ObserveConnectDuration(outboundTag string, d time.Duration) {
	outboundConnectDuration.WithLabelValues(outboundTag).Observe(d.Seconds())
}

// ProviderRefreshFailed records one failed rule-provider refresh.
func ProviderRefreshFailed(provider string) {
	providerRefreshErrorsTotal.WithLabelValues(provider).Inc()
}

// Handler returns the http.Handler serving the Prometheus text exposition
// format, for mounting on the control API's mux.
func Handler() http.Handler { return promhttp.Handler() }
