package transport

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestDialTCPConnectsToLoopbackListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptedCh <- c
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	ip := netip.MustParseAddr(tcpAddr.IP.String())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := DialTCP(ctx, ip, uint16(tcpAddr.Port), TCPOptions{})
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer conn.Close()

	select {
	case server := <-acceptedCh:
		defer server.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
}
