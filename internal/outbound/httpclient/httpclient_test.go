package httpclient

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"proxykernel/internal/addr"
	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
)

func fakeHTTPProxyServer(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		t.Errorf("reading CONNECT request: %v", err)
		return
	}
	if req.Method != http.MethodConnect {
		t.Errorf("method = %q, want CONNECT", req.Method)
	}
	conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
}

func TestHandlerCompletesConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go fakeHTTPProxyServer(t, ln)

	h, err := build("up", map[string]any{"server": ln.Addr().String()}, outbound.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := addr.NewDomain("example.com", 443)
	s := &session.Session{Target: a, Network: addr.TCP}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := h.Connect(ctx, s)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer stream.Close()
}
