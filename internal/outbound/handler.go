// Package outbound defines the OutboundHandler capability set and the
// Manager registry that constructs and looks up handlers (leaf protocol
// handlers and proxy groups alike) by tag.
package outbound

import (
	"context"
	"fmt"

	"proxykernel/internal/session"
)

// Handler is the capability set every outbound variant implements: direct,
// block, the protocol clients, and the four group types. ConnectUDP
// failing with ErrUDPUnsupported is expected for protocols with no
// datagram mode (e.g. a pure TCP-only relay).
type Handler interface {
	Tag() string
	Connect(ctx context.Context, s *session.Session) (session.ByteStream, error)
	ConnectUDP(ctx context.Context, s *session.Session) (session.UdpTransport, error)
}

// ErrUDPUnsupported is returned by ConnectUDP for handlers with no
// datagram mode.
var ErrUDPUnsupported = fmt.Errorf("outbound: UDP not supported by this handler")

// Factory builds a Handler from its settings blob. Registered per protocol
// name in the package-level registry below, mirroring the teacher's
// adapter-name-to-constructor switch for persistence backends.
type Factory func(tag string, settings map[string]any, deps Deps) (Handler, error)

// Deps carries the shared collaborators a handler factory may need: the
// manager itself, for groups resolving member tags.
type Deps struct {
	Manager *Manager
}

var factories = map[string]Factory{}

// Register adds a protocol-name -> Factory binding. Called from each leaf
// and group package's init().
func Register(protocol string, f Factory) {
	factories[protocol] = f
}

// Build constructs a Handler for the given protocol name, the same
// switch-by-string-construct-concrete-type shape as the teacher's
// persistence adapter factory.
func Build(protocol, tag string, settings map[string]any, deps Deps) (Handler, error) {
	f, ok := factories[protocol]
	if !ok {
		return nil, fmt.Errorf("outbound: unknown protocol %q for tag %q", protocol, tag)
	}
	return f(tag, settings, deps)
}
