package mux

import (
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/net/http2"
)

// h2muxSession is a hand-rolled stream multiplexer riding on HTTP/2's wire
// framing (golang.org/x/net/http2.Framer) without a real HTTP/2 connection
// underneath it — no SETTINGS handshake, no HPACK, just HEADERS-as-open and
// DATA-as-payload. Every write from every stream funnels through one
// writeCh drained by a single writer goroutine, so frames from concurrent
// streams interleave at MaxFrameSize granularity in arrival order rather
// than one stream's large write starving the others — the single-writer,
// round-robin-fairness design spec.md calls for.
type h2muxSession struct {
	conn   net.Conn
	framer *http2.Framer
	cfg    Config

	mu      sync.Mutex
	streams map[uint32]*h2muxStream
	nextID  uint32
	closed  bool

	writeCh   chan h2muxFrame
	acceptCh  chan Stream
	acceptErr error
	doneCh    chan struct{}
	closeOnce sync.Once
}

type h2muxFrame struct {
	streamID    uint32
	data        []byte
	endStream   bool
	headersOnly bool
}

func newH2MuxClient(conn net.Conn, cfg Config) (Session, error) {
	return newH2MuxSession(conn, cfg, true), nil
}

func newH2MuxServer(conn net.Conn, cfg Config) (Session, error) {
	return newH2MuxSession(conn, cfg, false), nil
}

func newH2MuxSession(conn net.Conn, cfg Config, client bool) *h2muxSession {
	framer := http2.NewFramer(conn, conn)
	framer.SetMaxReadFrameSize(uint32(cfg.MaxFrameSize))
	s := &h2muxSession{
		conn:     conn,
		framer:   framer,
		cfg:      cfg,
		streams:  map[uint32]*h2muxStream{},
		acceptCh: make(chan Stream, 16),
		writeCh:  make(chan h2muxFrame, 64),
		doneCh:   make(chan struct{}),
	}
	if client {
		s.nextID = 1
	} else {
		s.nextID = 2
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

func (s *h2muxSession) OpenStream() (Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("mux: session closed")
	}
	id := s.nextID
	s.nextID += 2
	pr, pw := io.Pipe()
	st := &h2muxStream{sess: s, id: id, pr: pr, pw: pw}
	s.streams[id] = st
	s.mu.Unlock()

	select {
	case s.writeCh <- h2muxFrame{streamID: id, headersOnly: true}:
	case <-s.doneCh:
		return nil, fmt.Errorf("mux: session closed")
	}
	return st, nil
}

func (s *h2muxSession) AcceptStream() (Stream, error) {
	select {
	case st, ok := <-s.acceptCh:
		if !ok {
			return nil, s.acceptErr
		}
		return st, nil
	case <-s.doneCh:
		return nil, fmt.Errorf("mux: session closed")
	}
}

func (s *h2muxSession) Close() error {
	s.fail(io.EOF)
	return s.conn.Close()
}

func (s *h2muxSession) NumStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *h2muxSession) removeStream(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *h2muxSession) fail(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.acceptErr = err
		close(s.doneCh)
		close(s.acceptCh)
	})
}

// writeLoop is the single writer task: it is the only goroutine that ever
// calls into s.framer's write side, so frames never interleave mid-write.
func (s *h2muxSession) writeLoop() {
	for {
		select {
		case f := <-s.writeCh:
			if f.headersOnly {
				err := s.framer.WriteHeaders(http2.HeadersFrameParam{
					StreamID:   f.streamID,
					EndHeaders: true,
				})
				if err != nil {
					s.fail(err)
					return
				}
				continue
			}
			if err := s.framer.WriteData(f.streamID, f.endStream, f.data); err != nil {
				s.fail(err)
				return
			}
		case <-s.doneCh:
			return
		}
	}
}

func (s *h2muxSession) readLoop() {
	for {
		fr, err := s.framer.ReadFrame()
		if err != nil {
			s.fail(err)
			return
		}
		switch f := fr.(type) {
		case *http2.HeadersFrame:
			s.mu.Lock()
			_, exists := s.streams[f.StreamID]
			if exists {
				s.mu.Unlock()
				continue
			}
			pr, pw := io.Pipe()
			st := &h2muxStream{sess: s, id: f.StreamID, pr: pr, pw: pw}
			s.streams[f.StreamID] = st
			s.mu.Unlock()
			select {
			case s.acceptCh <- st:
			case <-s.doneCh:
				return
			}
		case *http2.DataFrame:
			s.mu.Lock()
			st, ok := s.streams[f.StreamID]
			s.mu.Unlock()
			if !ok {
				continue
			}
			if len(f.Data()) > 0 {
				if _, werr := st.pw.Write(f.Data()); werr != nil {
					continue
				}
			}
			if f.StreamEnded() {
				st.pw.Close()
			}
		}
	}
}

// h2muxStream adapts one multiplexed flow to session.ByteStream. Reads
// come off an io.Pipe fed by the session's single readLoop goroutine;
// writes funnel through the session's shared writeCh.
type h2muxStream struct {
	sess      *h2muxSession
	id        uint32
	pr        *io.PipeReader
	pw        *io.PipeWriter
	closeOnce sync.Once
}

func (s *h2muxStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *h2muxStream) Write(p []byte) (int, error) {
	total := 0
	max := s.sess.cfg.MaxFrameSize
	for len(p) > 0 {
		chunk := p
		if len(chunk) > max {
			chunk = chunk[:max]
		}
		buf := make([]byte, len(chunk))
		copy(buf, chunk)
		select {
		case s.sess.writeCh <- h2muxFrame{streamID: s.id, data: buf}:
		case <-s.sess.doneCh:
			return total, io.ErrClosedPipe
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *h2muxStream) CloseWrite() error {
	select {
	case s.sess.writeCh <- h2muxFrame{streamID: s.id, endStream: true}:
	case <-s.sess.doneCh:
	}
	return nil
}

func (s *h2muxStream) Close() error {
	s.closeOnce.Do(func() {
		s.pw.Close()
		s.pr.Close()
		s.sess.removeStream(s.id)
	})
	return nil
}

func (s *h2muxStream) StreamID() uint32 { return s.id }
