package hysteria2

// BrutalParams configures the Brutal congestion-control send rate
// (spec §4.4.5); the rate is not advertised to the server. quic-go does not expose a pluggable
// congestion controller through its public API, so this is not wired as an
// actual QUIC CC hook; it is the send-rate calculator the client would feed
// into one, kept here so the formula is grounded and testable even though
// nothing in this core currently overrides quic-go's built-in controller.
type BrutalParams struct {
	// RateBps is the configured (or measured) uplink bandwidth, in bytes/sec.
	RateBps uint64
	// MinWindowSegments floors the window at 10 MSS-sized segments so a
	// congested or short-RTT link never collapses the window to near zero.
	MinWindowSegments uint64
}

const brutalMSS = 1350

// CongestionWindow computes Brutal's target window size in bytes:
// window = rate * rtt / (1 - loss), floored at 10 * MSS.
func (p BrutalParams) CongestionWindow(rttSeconds, lossRate float64) uint64 {
	if lossRate >= 1 {
		lossRate = 0.99
	}
	if lossRate < 0 {
		lossRate = 0
	}
	window := float64(p.RateBps) * rttSeconds / (1 - lossRate)
	floor := p.MinWindowSegments
	if floor == 0 {
		floor = 10
	}
	if window < float64(floor*brutalMSS) {
		return floor * brutalMSS
	}
	return uint64(window)
}
