// Package vless implements the VLESS outbound protocol: a request header
// written once per connection, an equally small response header, and a
// transparent byte tunnel after that (no per-chunk framing or encryption —
// VLESS relies entirely on its transport, normally TLS, for confidentiality).
package vless

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/uuid"

	"proxykernel/internal/addr"
	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
)

func init() {
	outbound.Register("vless", build)
}

const (
	version byte = 0

	cmdTCP byte = 0x01
	cmdUDP byte = 0x02

	atypIPv4   byte = 1
	atypDomain byte = 2
	atypIPv6   byte = 3
)

// Handler dials a VLESS server directly over TCP and performs the VLESS
// request/response handshake; transport-layer wrapping (TLS, ws, h2, grpc)
// is layered on by internal/transport and is out of this package's scope.
type Handler struct {
	tag    string
	server string
	id     uuid.UUID
	dialer net.Dialer
}

func build(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	server, _ := settings["server"].(string)
	if server == "" {
		return nil, fmt.Errorf("vless %q: missing server", tag)
	}
	idStr, _ := settings["uuid"].(string)
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("vless %q: invalid uuid: %w", tag, err)
	}
	return &Handler{tag: tag, server: server, id: id}, nil
}

func (h *Handler) Tag() string { return h.tag }

// Connect dials the server, writes the request header, reads the response
// header, and returns a transparent stream for everything after.
func (h *Handler) Connect(ctx context.Context, s *session.Session) (session.ByteStream, error) {
	conn, err := h.dialer.DialContext(ctx, "tcp", h.server)
	if err != nil {
		return nil, err
	}
	cmd := cmdTCP
	if s.Network == addr.UDP {
		cmd = cmdUDP
	}
	req := EncodeRequest(h.id, cmd, s.Target)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, err
	}
	br := bufio.NewReader(conn)
	if _, err := DecodeResponse(br); err != nil {
		conn.Close()
		return nil, err
	}
	return &stream{Conn: conn, r: br}, nil
}

func (h *Handler) ConnectUDP(ctx context.Context, s *session.Session) (session.UdpTransport, error) {
	return nil, outbound.ErrUDPUnsupported
}

// EncodeRequest builds the VLESS request header per spec §4.4.1:
// [1B version][16B uuid][1B addons-len][addons][1B cmd][2B port][1B atyp][addr].
func EncodeRequest(id uuid.UUID, cmd byte, target addr.Address) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, version)
	buf = append(buf, id[:]...)
	buf = append(buf, 0) // addons-len = 0, no addons carried by this core
	buf = append(buf, cmd)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], target.Port)
	buf = append(buf, portBuf[:]...)
	buf = append(buf, encodeAddr(target)...)
	return buf
}

func encodeAddr(a addr.Address) []byte {
	if a.IsDomain() {
		out := make([]byte, 0, len(a.Domain)+2)
		out = append(out, atypDomain, byte(len(a.Domain)))
		return append(out, a.Domain...)
	}
	if a.IP.Is4() || a.IP.Is4In6() {
		ip4 := a.IP.As4()
		return append([]byte{atypIPv4}, ip4[:]...)
	}
	ip16 := a.IP.As16()
	return append([]byte{atypIPv6}, ip16[:]...)
}

// DecodeRequest parses a VLESS request header off the wire, the inverse of
// EncodeRequest; used by a VLESS inbound (server side) to recover the
// client's UUID, command, and target.
func DecodeRequest(r *bufio.Reader) (id uuid.UUID, cmd byte, target addr.Address, err error) {
	hdr := make([]byte, 1+16+1)
	if _, err = readFull(r, hdr); err != nil {
		return
	}
	if hdr[0] != version {
		err = fmt.Errorf("vless: unsupported version %d", hdr[0])
		return
	}
	copy(id[:], hdr[1:17])
	addonsLen := int(hdr[17])
	if addonsLen > 0 {
		if _, err = readFull(r, make([]byte, addonsLen)); err != nil {
			return
		}
	}
	cmdPort := make([]byte, 3)
	if _, err = readFull(r, cmdPort); err != nil {
		return
	}
	cmd = cmdPort[0]
	port := binary.BigEndian.Uint16(cmdPort[1:3])
	target, err = decodeAddr(r, port)
	return
}

func decodeAddr(r *bufio.Reader, port uint16) (addr.Address, error) {
	atypBuf := make([]byte, 1)
	if _, err := readFull(r, atypBuf); err != nil {
		return addr.Address{}, err
	}
	switch atypBuf[0] {
	case atypIPv4:
		b := make([]byte, 4)
		if _, err := readFull(r, b); err != nil {
			return addr.Address{}, err
		}
		ip := netip.AddrFrom4([4]byte(b))
		return addr.NewIP(ip, port)
	case atypIPv6:
		b := make([]byte, 16)
		if _, err := readFull(r, b); err != nil {
			return addr.Address{}, err
		}
		ip := netip.AddrFrom16([16]byte(b))
		return addr.NewIP(ip, port)
	case atypDomain:
		lb := make([]byte, 1)
		if _, err := readFull(r, lb); err != nil {
			return addr.Address{}, err
		}
		domain := make([]byte, int(lb[0]))
		if _, err := readFull(r, domain); err != nil {
			return addr.Address{}, err
		}
		return addr.NewDomain(string(domain), port)
	default:
		return addr.Address{}, fmt.Errorf("vless: unknown addr type %d", atypBuf[0])
	}
}

// EncodeResponse builds the VLESS response header: [1B version][1B addons-len][addons].
func EncodeResponse() []byte {
	return []byte{version, 0}
}

// DecodeResponse reads and validates the response header.
func DecodeResponse(r *bufio.Reader) ([]byte, error) {
	hdr := make([]byte, 2)
	if _, err := readFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != version {
		return nil, fmt.Errorf("vless: unsupported response version %d", hdr[0])
	}
	addonsLen := int(hdr[1])
	if addonsLen == 0 {
		return nil, nil
	}
	addons := make([]byte, addonsLen)
	if _, err := readFull(r, addons); err != nil {
		return nil, err
	}
	return addons, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// stream wraps the post-handshake connection: writes go straight to the
// net.Conn (VLESS has no response-side framing on downstream bytes either),
// reads drain whatever the bufio.Reader buffered from the response-header
// read before falling through to the raw connection.
type stream struct {
	net.Conn
	r *bufio.Reader
}

func (s *stream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stream) CloseWrite() error {
	if cw, ok := s.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return s.Conn.Close()
}
