// Package block implements the outbound handler that refuses every
// connection outright, used for ad-block/reject rule targets.
package block

import (
	"context"
	"errors"

	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
)

func init() {
	outbound.Register("block", build)
}

// ErrBlocked is returned for every Connect/ConnectUDP call.
var ErrBlocked = errors.New("outbound: connection blocked by policy")

// Handler rejects every connection.
type Handler struct{ tag string }

func build(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	return &Handler{tag: tag}, nil
}

func (h *Handler) Tag() string { return h.tag }

func (h *Handler) Connect(ctx context.Context, s *session.Session) (session.ByteStream, error) {
	return nil, ErrBlocked
}

func (h *Handler) ConnectUDP(ctx context.Context, s *session.Session) (session.UdpTransport, error) {
	return nil, ErrBlocked
}
