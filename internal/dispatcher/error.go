package dispatcher

import "fmt"

// Kind is the closed set of ways a dispatch can fail, used by the API
// and access-log layers to map failures onto stable status codes.
type Kind string

const (
	ConfigInvalid         Kind = "config_invalid"
	AdmissionRefused      Kind = "admission_refused"
	SniffTimeout          Kind = "sniff_timeout"
	RouteNotFound         Kind = "route_not_found"
	OutboundMissing       Kind = "outbound_missing"
	CircuitOpen           Kind = "circuit_open"
	OutboundConnectFailed Kind = "outbound_connect_failed"
	HandshakeFailed       Kind = "handshake_failed"
	RelayIoError          Kind = "relay_io_error"
	ProviderRefreshFailed Kind = "provider_refresh_failed"
)

// Error wraps a Kind with the underlying cause, so callers can both
// branch on Kind and still see the original error via Unwrap.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}
