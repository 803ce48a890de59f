// Package trojan implements the Trojan outbound protocol: a one-shot
// request line carrying a hex-SHA224 password digest followed by a target
// address, then a transparent byte tunnel. Trojan has no response header —
// the stream is indistinguishable from plain TLS traffic until decrypted,
// which is the protocol's entire point. Mandatory TLS transport per
// spec §4.4.3 is applied by the caller via internal/transport, not here.
package trojan

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"proxykernel/internal/addr"
	"proxykernel/internal/mux"
	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
)

func init() {
	outbound.Register("trojan", build)
}

const (
	cmdConnect     byte = 0x01
	cmdUDPAssocate byte = 0x03

	atypIPv4   byte = 1
	atypDomain byte = 3
	atypIPv6   byte = 4
)

// Handler dials a Trojan server and writes the one-shot request header
// before handing back a transparent stream. When mux is enabled, one TCP
// connection is shared across many logical flows via internal/mux instead
// of opening a fresh socket per Connect call — the way trojan-go's mux
// extension amortizes TLS handshake cost across many short-lived proxied
// connections.
type Handler struct {
	tag        string
	server     string
	passwdHash string // 56-char lowercase hex of SHA-224(password)
	dialer     net.Dialer

	muxMode mux.Mode // empty disables mux
	muxCfg  mux.Config

	mu      sync.Mutex
	session mux.Session
}

func build(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	server, _ := settings["server"].(string)
	if server == "" {
		return nil, fmt.Errorf("trojan %q: missing server", tag)
	}
	password, _ := settings["password"].(string)
	if password == "" {
		return nil, fmt.Errorf("trojan %q: missing password", tag)
	}
	h := &Handler{tag: tag, server: server, passwdHash: HashPassword(password)}
	if enabled, _ := settings["mux_enabled"].(bool); enabled {
		modeStr, _ := settings["mux_protocol"].(string)
		if modeStr == "" {
			modeStr = string(mux.ModeYamux)
		}
		h.muxMode = mux.Mode(modeStr)
	}
	return h, nil
}

// HashPassword returns the 56-character lowercase hex SHA-224 digest Trojan
// puts on the wire in place of the raw password.
func HashPassword(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (h *Handler) Tag() string { return h.tag }

func (h *Handler) Connect(ctx context.Context, s *session.Session) (session.ByteStream, error) {
	cmd := cmdConnect
	if s.Network == addr.UDP {
		cmd = cmdUDPAssocate
	}
	req := EncodeRequest(h.passwdHash, cmd, s.Target)

	if h.muxMode != "" {
		stream, err := h.openMuxStream(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := stream.Write(req); err != nil {
			stream.Close()
			return nil, err
		}
		return stream, nil
	}

	conn, err := h.dialer.DialContext(ctx, "tcp", h.server)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, err
	}
	return tcpStream{conn}, nil
}

// openMuxStream returns a fresh logical stream over the handler's shared
// mux session, dialing and handshaking that session on first use or after
// it has gone away.
func (h *Handler) openMuxStream(ctx context.Context) (mux.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		conn, err := h.dialer.DialContext(ctx, "tcp", h.server)
		if err != nil {
			return nil, err
		}
		sess, err := mux.NewClientSession(h.muxMode, conn, h.muxCfg)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("trojan: mux session: %w", err)
		}
		h.session = sess
	}
	stream, err := h.session.OpenStream()
	if err != nil {
		// the shared connection is dead; drop it so the next call redials.
		h.session.Close()
		h.session = nil
		return nil, err
	}
	return stream, nil
}

func (h *Handler) ConnectUDP(ctx context.Context, s *session.Session) (session.UdpTransport, error) {
	return nil, outbound.ErrUDPUnsupported
}

// EncodeRequest builds the Trojan request: [56B hex digest]\r\n[1B cmd][addr]\r\n.
func EncodeRequest(passwdHash string, cmd byte, target addr.Address) []byte {
	buf := make([]byte, 0, 64+len(passwdHash))
	buf = append(buf, passwdHash...)
	buf = append(buf, '\r', '\n')
	buf = append(buf, cmd)
	buf = append(buf, encodeAddr(target)...)
	buf = append(buf, '\r', '\n')
	return buf
}

func encodeAddr(a addr.Address) []byte {
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port)
	if a.IsDomain() {
		out := []byte{atypDomain, byte(len(a.Domain))}
		out = append(out, a.Domain...)
		return append(out, portBuf[:]...)
	}
	if a.IP.Is4() || a.IP.Is4In6() {
		ip4 := a.IP.As4()
		out := append([]byte{atypIPv4}, ip4[:]...)
		return append(out, portBuf[:]...)
	}
	ip16 := a.IP.As16()
	out := append([]byte{atypIPv6}, ip16[:]...)
	return append(out, portBuf[:]...)
}

// DecodeRequest parses the Trojan request line off the wire (server side):
// returns the hex password digest, command byte, and target address. The
// trailing CRLF is consumed.
func DecodeRequest(r *bufReader) (passwdHash string, cmd byte, target addr.Address, err error) {
	hashBuf := make([]byte, 56)
	if _, err = r.readFull(hashBuf); err != nil {
		return
	}
	passwdHash = string(hashBuf)
	crlf := make([]byte, 2)
	if _, err = r.readFull(crlf); err != nil {
		return
	}
	cmdBuf := make([]byte, 1)
	if _, err = r.readFull(cmdBuf); err != nil {
		return
	}
	cmd = cmdBuf[0]
	atypBuf := make([]byte, 1)
	if _, err = r.readFull(atypBuf); err != nil {
		return
	}
	var host string
	switch atypBuf[0] {
	case atypIPv4:
		b := make([]byte, 4)
		if _, err = r.readFull(b); err != nil {
			return
		}
		host = netip.AddrFrom4([4]byte(b)).String()
	case atypIPv6:
		b := make([]byte, 16)
		if _, err = r.readFull(b); err != nil {
			return
		}
		host = netip.AddrFrom16([16]byte(b)).String()
	case atypDomain:
		lb := make([]byte, 1)
		if _, err = r.readFull(lb); err != nil {
			return
		}
		d := make([]byte, int(lb[0]))
		if _, err = r.readFull(d); err != nil {
			return
		}
		host = string(d)
	default:
		err = fmt.Errorf("trojan: unknown addr type %d", atypBuf[0])
		return
	}
	portBuf := make([]byte, 2)
	if _, err = r.readFull(portBuf); err != nil {
		return
	}
	port := binary.BigEndian.Uint16(portBuf)
	if _, err = r.readFull(crlf); err != nil {
		return
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		target, err = addr.NewIP(ip, port)
	} else {
		target, err = addr.NewDomain(host, port)
	}
	return
}

// bufReader is the minimal byte-oriented reader DecodeRequest needs; kept
// narrow so the server (inbound) side can supply any io.Reader wrapper
// without this package importing bufio's full surface.
type bufReader struct {
	read func([]byte) (int, error)
}

// NewBufReader adapts any reader function into the reader DecodeRequest consumes.
func NewBufReader(read func([]byte) (int, error)) *bufReader { return &bufReader{read: read} }

func (b *bufReader) readFull(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := b.read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

type tcpStream struct{ net.Conn }

func (t tcpStream) CloseWrite() error {
	if cw, ok := t.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return t.Conn.Close()
}
