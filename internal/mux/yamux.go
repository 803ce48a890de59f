package mux

import (
	"net"

	"github.com/hashicorp/yamux"
)

type yamuxSession struct {
	s *yamux.Session
}

func yamuxConfig(cfg Config) *yamux.Config {
	c := yamux.DefaultConfig()
	c.EnableKeepAlive = cfg.KeepAlive
	if cfg.MaxConnections > 0 {
		c.MaxStreamWindowSize = uint32(cfg.MaxFrameSize)
	}
	return c
}

func newYamuxClient(conn net.Conn, cfg Config) (Session, error) {
	s, err := yamux.Client(conn, yamuxConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &yamuxSession{s: s}, nil
}

func newYamuxServer(conn net.Conn, cfg Config) (Session, error) {
	s, err := yamux.Server(conn, yamuxConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &yamuxSession{s: s}, nil
}

func (y *yamuxSession) OpenStream() (Stream, error) {
	st, err := y.s.OpenStream()
	if err != nil {
		return nil, err
	}
	return &yamuxStream{st}, nil
}

func (y *yamuxSession) AcceptStream() (Stream, error) {
	st, err := y.s.AcceptStream()
	if err != nil {
		return nil, err
	}
	return &yamuxStream{st}, nil
}

func (y *yamuxSession) Close() error  { return y.s.Close() }
func (y *yamuxSession) NumStreams() int { return y.s.NumStreams() }

// yamuxStream adapts *yamux.Stream to session.ByteStream. CloseWrite calls
// the stream's Close. The relay calls CloseWrite on this stream once it
// has seen EOF on the opposite stream that feeds it.
type yamuxStream struct {
	*yamux.Stream
}

func (y *yamuxStream) CloseWrite() error { return y.Stream.Close() }
func (y *yamuxStream) StreamID() uint32  { return y.Stream.StreamID() }
