// Package session defines the per-flow record and stream capability
// interfaces shared across the dispatcher, router, and outbound handlers.
package session

import (
	"net/netip"

	"proxykernel/internal/addr"
)

// Session is the per-flow record created by an inbound and consumed by the
// dispatcher. It has exactly one owner at a time: the inbound constructs
// it, the sniffer may mutate it once, the router reads it, and the
// dispatcher consumes it — no concurrent access, no locking required.
type Session struct {
	ID               uint64
	Target           addr.Address
	Source           netip.AddrPort // zero value means absent (TUN-synthesized flow)
	HasSource        bool
	InboundTag       string
	Network          addr.Network
	Sniff            bool
	DetectedProtocol string // empty until the sniffer runs

	// Populated opportunistically by the inbound or sniffer; empty when
	// unavailable. Consulted by the process-name/process-path/user-agent
	// rule kinds.
	ProcessName string
	ProcessPath string
	UserAgent   string
}

// ByteStream is the capability set the dispatcher and relay need from any
// connection-like object, regardless of its concrete transport.
type ByteStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// CloseWrite shuts down the write half only, signalling EOF downstream
	// while reads may continue; used by the relay's half-close step.
	CloseWrite() error
	Close() error
}

// Packet is one UDP datagram plus the address it came from or is bound for.
type Packet struct {
	Addr addr.Address
	Data []byte
}

// UdpTransport is the packet-oriented capability an inbound attaches to a
// UDP session, and an outbound's ConnectUDP returns.
type UdpTransport interface {
	Send(Packet) error
	Recv() (Packet, error)
	Close() error
}
