// Package httpclient implements an outbound that forwards through an
// upstream HTTP proxy via the CONNECT method.
package httpclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"

	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
)

func init() {
	outbound.Register("http", build)
}

// Handler dials an upstream HTTP proxy and issues CONNECT for every
// session target.
type Handler struct {
	tag      string
	server   string
	username string
	password string
	dialer   net.Dialer
}

func build(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	server, _ := settings["server"].(string)
	if server == "" {
		return nil, fmt.Errorf("httpclient %q: missing server", tag)
	}
	h := &Handler{tag: tag, server: server}
	h.username, _ = settings["username"].(string)
	h.password, _ = settings["password"].(string)
	return h, nil
}

func (h *Handler) Tag() string { return h.tag }

func (h *Handler) Connect(ctx context.Context, s *session.Session) (session.ByteStream, error) {
	conn, err := h.dialer.DialContext(ctx, "tcp", h.server)
	if err != nil {
		return nil, err
	}
	if err := h.connectRequest(conn, s.Target.String()); err != nil {
		conn.Close()
		return nil, err
	}
	return tcpStream{conn.(*net.TCPConn)}, nil
}

func (h *Handler) ConnectUDP(ctx context.Context, s *session.Session) (session.UdpTransport, error) {
	return nil, outbound.ErrUDPUnsupported
}

func (h *Handler) connectRequest(conn net.Conn, target string) error {
	req, err := http.NewRequest(http.MethodConnect, "http://"+target, nil)
	if err != nil {
		return err
	}
	req.Host = target
	if h.username != "" || h.password != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(h.username + ":" + h.password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		return err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpclient: CONNECT to %s failed: %s", target, resp.Status)
	}
	return nil
}

type tcpStream struct{ *net.TCPConn }

func (t tcpStream) CloseWrite() error { return t.TCPConn.CloseWrite() }
