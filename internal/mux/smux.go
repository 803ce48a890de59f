package mux

import (
	"net"

	"github.com/sagernet/smux"
)

type smuxSession struct {
	s *smux.Session
}

func smuxConfig(cfg Config) *smux.Config {
	c := smux.DefaultConfig()
	c.MaxFrameSize = cfg.MaxFrameSize
	c.KeepAliveDisabled = !cfg.KeepAlive
	if cfg.MaxConnections > 0 {
		c.MaxReceiveBuffer = cfg.MaxConnections * cfg.MaxFrameSize
	}
	return c
}

func newSmuxClient(conn net.Conn, cfg Config) (Session, error) {
	s, err := smux.Client(conn, smuxConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &smuxSession{s: s}, nil
}

func newSmuxServer(conn net.Conn, cfg Config) (Session, error) {
	s, err := smux.Server(conn, smuxConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &smuxSession{s: s}, nil
}

func (m *smuxSession) OpenStream() (Stream, error) {
	st, err := m.s.OpenStream()
	if err != nil {
		return nil, err
	}
	return &smuxStream{st}, nil
}

func (m *smuxSession) AcceptStream() (Stream, error) {
	st, err := m.s.AcceptStream()
	if err != nil {
		return nil, err
	}
	return &smuxStream{st}, nil
}

func (m *smuxSession) Close() error    { return m.s.Close() }
func (m *smuxSession) NumStreams() int { return m.s.NumStreams() }

// smuxStream adapts *smux.Stream to session.ByteStream. Like yamux,
// CloseWrite degrades to a full stream Close.
type smuxStream struct {
	*smux.Stream
}

func (m *smuxStream) CloseWrite() error { return m.Stream.Close() }
func (m *smuxStream) StreamID() uint32  { return m.Stream.ID() }
