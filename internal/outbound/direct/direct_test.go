package direct

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"proxykernel/internal/addr"
	"proxykernel/internal/session"
)

func TestHandlerConnectsDirectly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	ip, ok := netip.AddrFromSlice(tcpAddr.IP.To4())
	if !ok {
		t.Fatal("failed to convert listener IP")
	}
	a, err := addr.NewIP(ip, uint16(tcpAddr.Port))
	if err != nil {
		t.Fatal(err)
	}
	s := &session.Session{Target: a, Network: addr.TCP}

	h := &Handler{tag: "direct"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := h.Connect(ctx, s)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := stream.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Fatalf("echoed = %q, want hello", buf)
	}
}
