package trojan

import (
	"context"
	"io"
	"net"
	"testing"

	"proxykernel/internal/addr"
	"proxykernel/internal/mux"
	"proxykernel/internal/session"
)

// serveYamuxEcho accepts one connection on ln, wraps it as a yamux server
// session, and echoes every stream's request bytes back verbatim — enough
// to prove the client side is really multiplexing rather than opening a
// fresh socket per Connect call.
func serveYamuxEcho(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	sess, err := mux.NewServerSession(mux.ModeYamux, conn, mux.Config{})
	if err != nil {
		t.Errorf("server mux session: %v", err)
		return
	}
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return
		}
		go func(s mux.Stream) {
			buf := make([]byte, 4096)
			n, _ := s.Read(buf)
			if n > 0 {
				s.Write(buf[:n])
			}
			s.CloseWrite()
		}(stream)
	}
}

func TestMuxEnabledSharesOneConnectionAcrossStreams(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go serveYamuxEcho(t, ln)

	h := &Handler{
		tag:        "trojan-mux",
		server:     ln.Addr().String(),
		passwdHash: HashPassword("pw"),
		muxMode:    mux.ModeYamux,
	}

	target, err := addr.NewDomain("example.com", 443)
	if err != nil {
		t.Fatal(err)
	}
	sess := &session.Session{Target: target, Network: addr.TCP}

	for i := 0; i < 3; i++ {
		stream, err := h.Connect(context.Background(), sess)
		if err != nil {
			t.Fatalf("iteration %d: Connect: %v", i, err)
		}
		buf := make([]byte, 4096)
		n, err := stream.Read(buf)
		if err != nil && err != io.EOF {
			t.Fatalf("iteration %d: Read: %v", i, err)
		}
		if n == 0 {
			t.Fatalf("iteration %d: expected echoed request bytes", i)
		}
		stream.Close()
	}

	h.mu.Lock()
	shared := h.session
	h.mu.Unlock()
	if shared == nil {
		t.Fatal("expected a shared mux session to have been established")
	}
}
