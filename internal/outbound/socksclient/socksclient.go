// Package socksclient implements an outbound that forwards through an
// upstream SOCKS5 proxy server, per RFC 1928's CONNECT subset.
package socksclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"proxykernel/internal/addr"
	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
)

func init() {
	outbound.Register("socks", build)
}

// Handler dials an upstream SOCKS5 server and issues a CONNECT for every
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
		return nil, fmt.Errorf("socksclient %q: missing server", tag)
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
	if err := h.handshake(conn, s.Target); err != nil {
		conn.Close()
		return nil, err
	}
	return tcpStream{conn.(*net.TCPConn)}, nil
}

func (h *Handler) ConnectUDP(ctx context.Context, s *session.Session) (session.UdpTransport, error) {
	return nil, outbound.ErrUDPUnsupported
}

func (h *Handler) handshake(conn net.Conn, target addr.Address) error {
	methods := []byte{0x00}
	useAuth := h.username != "" || h.password != ""
	if useAuth {
		methods = []byte{0x02}
	}
	greeting := append([]byte{0x05, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return err
	}
	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		return err
	}
	if resp[0] != 0x05 {
		return fmt.Errorf("socksclient: unexpected version byte %d", resp[0])
	}
	switch resp[1] {
	case 0x00:
		// no auth required
	case 0x02:
		if !useAuth {
			return fmt.Errorf("socksclient: server requires auth but none configured")
		}
		if err := h.authenticate(conn); err != nil {
			return err
		}
	default:
		return fmt.Errorf("socksclient: server rejected all auth methods")
	}

	req := buildConnectRequest(target)
	if _, err := conn.Write(req); err != nil {
		return err
	}
	hdr := make([]byte, 4)
	if _, err := readFull(conn, hdr); err != nil {
		return err
	}
	if hdr[1] != 0x00 {
		return fmt.Errorf("socksclient: CONNECT failed with reply code %d", hdr[1])
	}
	return discardBoundAddr(conn, hdr[3])
}

func (h *Handler) authenticate(conn net.Conn) error {
	buf := []byte{0x01, byte(len(h.username))}
	buf = append(buf, h.username...)
	buf = append(buf, byte(len(h.password)))
	buf = append(buf, h.password...)
	if _, err := conn.Write(buf); err != nil {
		return err
	}
	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		return err
	}
	if resp[1] != 0x00 {
		return fmt.Errorf("socksclient: authentication rejected")
	}
	return nil
}

func buildConnectRequest(target addr.Address) []byte {
	req := []byte{0x05, 0x01, 0x00}
	if target.IsDomain() {
		req = append(req, 0x03, byte(len(target.Domain)))
		req = append(req, target.Domain...)
	} else if target.IP.Is4() {
		req = append(req, 0x01)
		b := target.IP.As4()
		req = append(req, b[:]...)
	} else {
		req = append(req, 0x04)
		b := target.IP.As16()
		req = append(req, b[:]...)
	}
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, target.Port)
	return append(req, port...)
}

func discardBoundAddr(conn net.Conn, atyp byte) error {
	var n int
	switch atyp {
	case 0x01:
		n = 4
	case 0x04:
		n = 16
	case 0x03:
		lb := make([]byte, 1)
		if _, err := readFull(conn, lb); err != nil {
			return err
		}
		n = int(lb[0])
	default:
		return fmt.Errorf("socksclient: unknown bound address type %d", atyp)
	}
	buf := make([]byte, n+2) // +2 for the port
	_, err := readFull(conn, buf)
	return err
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type tcpStream struct{ *net.TCPConn }

func (t tcpStream) CloseWrite() error { return t.TCPConn.CloseWrite() }
