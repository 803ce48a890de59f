// Package direct implements the outbound handler that dials the session's
// target directly, with no intermediate proxy protocol.
package direct

import (
	"context"
	"net"

	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
)

func init() {
	outbound.Register("direct", build)
}

// Handler dials TCP/UDP directly to session.Target.
type Handler struct {
	tag    string
	dialer net.Dialer
}

func build(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	return &Handler{tag: tag}, nil
}

func (h *Handler) Tag() string { return h.tag }

// Connect dials the target directly over TCP.
func (h *Handler) Connect(ctx context.Context, s *session.Session) (session.ByteStream, error) {
	conn, err := h.dialer.DialContext(ctx, "tcp", s.Target.String())
	if err != nil {
		return nil, err
	}
	return tcpStream{conn.(*net.TCPConn)}, nil
}

// ConnectUDP opens an unconnected UDP socket bound to an ephemeral local port.
func (h *Handler) ConnectUDP(ctx context.Context, s *session.Session) (session.UdpTransport, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	return &udpTransport{conn: conn}, nil
}

type tcpStream struct{ *net.TCPConn }

func (t tcpStream) CloseWrite() error { return t.TCPConn.CloseWrite() }

type udpTransport struct {
	conn *net.UDPConn
}

func (u *udpTransport) Send(p session.Packet) error {
	addr, err := net.ResolveUDPAddr("udp", p.Addr.String())
	if err != nil {
		return err
	}
	_, err = u.conn.WriteToUDP(p.Data, addr)
	return err
}

func (u *udpTransport) Recv() (session.Packet, error) {
	buf := make([]byte, 65535)
	n, from, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return session.Packet{}, err
	}
	a, err := addrFromUDP(from)
	if err != nil {
		return session.Packet{}, err
	}
	return session.Packet{Addr: a, Data: buf[:n]}, nil
}

func (u *udpTransport) Close() error { return u.conn.Close() }
