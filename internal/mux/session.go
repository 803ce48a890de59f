// Package mux multiplexes many logical streams over one transport
// connection, the way outbound protocols carry several proxied flows
// over a single underlying TCP/TLS/QUIC connection instead of opening
// one socket per flow. Three wire formats are supported (yamux, smux,
// and a hand-rolled HTTP/2-framed mode for h2mux-style carriers), all
// exposed through the same Session/Stream pair so callers never care
// which codec is underneath — mirrors the teacher's style of hiding
// backend-specific wire detail behind one small capability interface
// (see pkg/vsa's single Limiter-facing surface over multiple backends).
package mux

import (
	"fmt"
	"net"

	"proxykernel/internal/session"
)

// Mode selects which multiplexing wire format a Session speaks.
type Mode string

const (
	ModeYamux Mode = "yamux"
	ModeSmux  Mode = "smux"
	ModeH2Mux Mode = "h2mux"
)

// DefaultMaxFrameSize bounds a single frame's payload across all three
// codecs, matching spec.md's 16 KiB default.
const DefaultMaxFrameSize = 16 * 1024

// Stream is one logical flow inside a Session; it satisfies
// session.ByteStream so the dispatcher's relay never distinguishes a mux
// stream from a plain socket.
type Stream interface {
	session.ByteStream
	StreamID() uint32
}

// Session owns one underlying net.Conn and hands out/accepts Streams over
// it. Client sessions open streams; server sessions accept them. A
// Session is safe for concurrent OpenStream/AcceptStream/Close calls.
type Session interface {
	OpenStream() (Stream, error)
	AcceptStream() (Stream, error)
	Close() error
	NumStreams() int
}

// Config carries the knobs shared across all three codecs.
type Config struct {
	MaxFrameSize   int
	KeepAlive      bool
	MaxConnections int // when > 0: smux receive buffer = MaxConnections*MaxFrameSize, yamux stream window = MaxFrameSize; no stream-count limit is enforced
}

func (c Config) withDefaults() Config {
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	return c
}

// NewClientSession wraps conn as the client (stream-initiating) side of a
// Session speaking the given Mode.
func NewClientSession(mode Mode, conn net.Conn, cfg Config) (Session, error) {
	cfg = cfg.withDefaults()
	switch mode {
	case ModeYamux:
		return newYamuxClient(conn, cfg)
	case ModeSmux:
		return newSmuxClient(conn, cfg)
	case ModeH2Mux:
		return newH2MuxClient(conn, cfg)
	default:
		return nil, fmt.Errorf("mux: unknown mode %q", mode)
	}
}

// NewServerSession wraps conn as the server (stream-accepting) side of a
// Session speaking the given Mode.
func NewServerSession(mode Mode, conn net.Conn, cfg Config) (Session, error) {
	cfg = cfg.withDefaults()
	switch mode {
	case ModeYamux:
		return newYamuxServer(conn, cfg)
	case ModeSmux:
		return newSmuxServer(conn, cfg)
	case ModeH2Mux:
		return newH2MuxServer(conn, cfg)
	default:
		return nil, fmt.Errorf("mux: unknown mode %q", mode)
	}
}
