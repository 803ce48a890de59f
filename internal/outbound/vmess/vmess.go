// Package vmess implements the AEAD-mode VMess outbound protocol per
// spec §4.4.2: an AEAD-encrypted request header (auth id, length field,
// header body), an AEAD chunk stream in both directions with Shake-128
// length masking, and a 4-byte AEAD response header. Legacy alter-id>0
// mode is not implemented, per the spec's Open Questions decision
// ("Preferred: drop legacy mode" — see DESIGN.md).
package vmess

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"net/netip"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/google/uuid"

	"proxykernel/internal/addr"
	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
)

func init() {
	outbound.Register("vmess", build)
}

const (
	optChunkStream byte = 0x01

	securityAES128GCM byte = 0x03

	cmdTCP byte = 0x01
	cmdUDP byte = 0x02

	atypIPv4   byte = 0x01
	atypIPv6   byte = 0x03
	atypDomain byte = 0x02

	maxChunkPayload = 16384
)

// Handler dials a VMess server, writes the AEAD request header, reads the
// AEAD response header, and returns a stream whose Read/Write transparently
// run the chunk cipher.
type Handler struct {
	tag    string
	server string
	id     uuid.UUID
	dialer net.Dialer
}

func build(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	server, _ := settings["server"].(string)
	if server == "" {
		return nil, fmt.Errorf("vmess %q: missing server", tag)
	}
	idStr, _ := settings["uuid"].(string)
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("vmess %q: invalid uuid: %w", tag, err)
	}
	return &Handler{tag: tag, server: server, id: id}, nil
}

func (h *Handler) Tag() string { return h.tag }

func (h *Handler) Connect(ctx context.Context, s *session.Session) (session.ByteStream, error) {
	conn, err := h.dialer.DialContext(ctx, "tcp", h.server)
	if err != nil {
		return nil, err
	}
	cmd := cmdTCP
	if s.Network == addr.UDP {
		cmd = cmdUDP
	}
	reqID, err := NewRequestID(h.id, cmd, s.Target, time.Now())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(reqID.WireBytes()); err != nil {
		conn.Close()
		return nil, err
	}
	st := newStream(conn, reqID)
	if err := st.readResponseHeader(); err != nil {
		conn.Close()
		return nil, err
	}
	return st, nil
}

func (h *Handler) ConnectUDP(ctx context.Context, s *session.Session) (session.UdpTransport, error) {
	return nil, outbound.ErrUDPUnsupported
}

// cmdKey derives the per-user command key: MD5(uuid bytes).
func cmdKey(id uuid.UUID) []byte {
	sum := md5.Sum(id[:])
	return sum[:]
}

// Request holds every value the AEAD request header needs, both to encode
// it onto the wire and to build the chunk stream's cipher state.
type Request struct {
	authID     [16]byte
	bodyKey    [16]byte
	bodyIV     [16]byte
	respAuth   byte
	cmd        byte
	target     addr.Address
	wire       []byte
}

// NewRequestID builds a fresh request (random body key/IV/connection
// nonce) and encodes its AEAD-protected wire form.
func NewRequestID(id uuid.UUID, cmd byte, target addr.Address, now time.Time) (*Request, error) {
	r := &Request{cmd: cmd, target: target}
	if _, err := rand.Read(r.bodyKey[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(r.bodyIV[:]); err != nil {
		return nil, err
	}
	var respAuthByte [1]byte
	if _, err := rand.Read(respAuthByte[:]); err != nil {
		return nil, err
	}
	r.respAuth = respAuthByte[0]

	ck := cmdKey(id)
	authID, err := authID(ck, now)
	if err != nil {
		return nil, err
	}
	r.authID = authID

	var connNonce [8]byte
	if _, err := rand.Read(connNonce[:]); err != nil {
		return nil, err
	}

	plain := encodePlainHeader(r, connNonce[:])

	lenKey := KDF(ck, pathAEADHeaderLenKey, r.authID[:], connNonce[:])[:16]
	lenIV := KDF(ck, pathAEADHeaderLenIV, r.authID[:], connNonce[:])[:12]
	hdrKey := KDF(ck, pathAEADHeaderKey, r.authID[:], connNonce[:])[:16]
	hdrIV := KDF(ck, pathAEADHeaderIV, r.authID[:], connNonce[:])[:12]

	lenAEAD, err := newGCM(lenKey)
	if err != nil {
		return nil, err
	}
	hdrAEAD, err := newGCM(hdrKey)
	if err != nil {
		return nil, err
	}

	sealedHeader := hdrAEAD.Seal(nil, hdrIV, plain, nil)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(sealedHeader)))
	sealedLen := lenAEAD.Seal(nil, lenIV, lenBuf[:], nil)

	wire := make([]byte, 0, 16+len(sealedLen)+len(sealedHeader)+8)
	wire = append(wire, r.authID[:]...)
	wire = append(wire, sealedLen...)
	wire = append(wire, sealedHeader...)
	wire = append(wire, connNonce[:]...)
	r.wire = wire
	return r, nil
}

// WireBytes returns the fully-encoded request ready to write to the socket.
func (r *Request) WireBytes() []byte { return r.wire }

// authID computes HMAC-MD5(cmd_key, be64(now.Unix())), the 16-byte auth id
// that opens every VMess request.
func authID(ck []byte, now time.Time) ([16]byte, error) {
	var out [16]byte
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(now.Unix()))
	h := hmacMD5(ck, tsBuf[:])
	copy(out[:], h)
	return out, nil
}

func hmacMD5(key, data []byte) []byte {
	// HMAC-MD5 built from crypto/md5 directly (stdlib has no hmac.New(md5.New)
	// convenience beyond the generic hmac.New(hash.Hash constructor, key)).
	return hmacGeneric(md5.New, key, data)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func encodePlainHeader(r *Request, connNonce []byte) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, 0x01) // ver
	buf = append(buf, r.bodyIV[:]...)
	buf = append(buf, r.bodyKey[:]...)
	buf = append(buf, r.respAuth)
	buf = append(buf, optChunkStream)
	buf = append(buf, 0x00<<4|securityAES128GCM) // padding=0, security=AES-128-GCM
	buf = append(buf, 0x00)                      // reserved
	buf = append(buf, r.cmd)
	buf = append(buf, encodeAddr(r.target)...)
	sum := fnv.New32a()
	sum.Write(buf)
	buf = append(buf, sum.Sum(nil)...)
	return buf
}

func encodeAddr(a addr.Address) []byte {
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port)
	out := append([]byte{}, portBuf[:]...)
	if a.IsDomain() {
		out = append(out, atypDomain, byte(len(a.Domain)))
		return append(out, a.Domain...)
	}
	if a.IP.Is4() || a.IP.Is4In6() {
		ip4 := a.IP.As4()
		out = append(out, atypIPv4)
		return append(out, ip4[:]...)
	}
	ip16 := a.IP.As16()
	out = append(out, atypIPv6)
	return append(out, ip16[:]...)
}

// DecodeAddr is the inverse of encodeAddr, exported for a future VMess
// inbound's request parser.
func DecodeAddr(buf []byte) (addr.Address, int, error) {
	if len(buf) < 3 {
		return addr.Address{}, 0, fmt.Errorf("vmess: short address header")
	}
	port := binary.BigEndian.Uint16(buf[:2])
	atyp := buf[2]
	rest := buf[3:]
	switch atyp {
	case atypIPv4:
		if len(rest) < 4 {
			return addr.Address{}, 0, fmt.Errorf("vmess: short ipv4")
		}
		a, err := addr.NewIP(netip.AddrFrom4([4]byte(rest[:4])), port)
		return a, 7, err
	case atypIPv6:
		if len(rest) < 16 {
			return addr.Address{}, 0, fmt.Errorf("vmess: short ipv6")
		}
		a, err := addr.NewIP(netip.AddrFrom16([16]byte(rest[:16])), port)
		return a, 19, err
	case atypDomain:
		if len(rest) < 1 {
			return addr.Address{}, 0, fmt.Errorf("vmess: short domain len")
		}
		n := int(rest[0])
		if len(rest) < 1+n {
			return addr.Address{}, 0, fmt.Errorf("vmess: short domain")
		}
		a, err := addr.NewDomain(string(rest[1:1+n]), port)
		return a, 4 + n, err
	default:
		return addr.Address{}, 0, fmt.Errorf("vmess: unknown atyp %d", atyp)
	}
}

// stream implements session.ByteStream over the VMess chunk cipher: writes
// seal each chunk with AES-128-GCM under bodyKey/bodyIV (nonce =
// be16(counter)||IV[2:12]) and mask the 2-byte length with a Shake-128
// stream seeded by the IV; reads do the inverse.
type stream struct {
	conn net.Conn
	req  *Request

	writeAEAD    cipher.AEAD
	writeCounter uint16
	readAEAD     cipher.AEAD
	readCounter  uint16

	readBuf []byte
}

func newStream(conn net.Conn, req *Request) *stream {
	aead, _ := newGCM(req.bodyKey[:])
	st := &stream{conn: conn, req: req, writeAEAD: aead, readAEAD: aead}
	return st
}

func (s *stream) readResponseHeader() error {
	respKey := sha256Sum16(s.req.bodyKey[:])
	respIV := sha256Sum16(s.req.bodyIV[:])
	aead, err := newGCM(respKey)
	if err != nil {
		return err
	}
	lenBuf := make([]byte, 2+aead.Overhead())
	if _, err := io.ReadFull(s.conn, lenBuf); err != nil {
		return err
	}
	plainLen, err := aead.Open(nil, respIV, lenBuf, nil)
	if err != nil {
		return fmt.Errorf("vmess: response length decrypt: %w", err)
	}
	n := binary.BigEndian.Uint16(plainLen)
	body := make([]byte, int(n))
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return err
	}
	plain, err := aead.Open(nil, respIV, body, nil)
	if err != nil {
		return fmt.Errorf("vmess: response header decrypt: %w", err)
	}
	if len(plain) == 0 || plain[0] != s.req.respAuth {
		return fmt.Errorf("vmess: response auth mismatch")
	}
	return nil
}

// sha256Sum16 returns the first 16 bytes of SHA-256(b), the response
// key/IV derivation spec §4.4.2 names: resp_key = SHA-256(K)[:16],
// resp_iv = SHA-256(V)[:16].
func sha256Sum16(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:16]
}

func nonceFor(iv []byte, counter uint16) []byte {
	n := make([]byte, 12)
	binary.BigEndian.PutUint16(n[0:2], counter)
	copy(n[2:], iv[2:12])
	return n
}

func (s *stream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxChunkPayload {
			chunk = chunk[:maxChunkPayload]
		}
		nonce := nonceFor(s.req.bodyIV[:], s.writeCounter)
		sealed := s.writeAEAD.Seal(nil, nonce, chunk, nil)
		s.writeCounter++
		maskedLen := maskLength(uint16(len(sealed)), s.req.bodyIV[:], s.writeCounter)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], maskedLen)
		if _, err := s.conn.Write(lenBuf[:]); err != nil {
			return total, err
		}
		if _, err := s.conn.Write(sealed); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *stream) Read(p []byte) (int, error) {
	for len(s.readBuf) == 0 {
		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(s.conn, lenBuf); err != nil {
			return 0, err
		}
		masked := binary.BigEndian.Uint16(lenBuf)
		s.readCounter++
		sealedLen := maskLength(masked, s.req.bodyIV[:], s.readCounter)
		sealed := make([]byte, int(sealedLen))
		if _, err := io.ReadFull(s.conn, sealed); err != nil {
			return 0, err
		}
		nonce := nonceFor(s.req.bodyIV[:], s.readCounter-1)
		plain, err := s.readAEAD.Open(nil, nonce, sealed, nil)
		if err != nil {
			return 0, fmt.Errorf("vmess: chunk decrypt: %w", err)
		}
		s.readBuf = plain
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

// maskLength XORs a 16-bit length with the low 16 bits of a Shake-128
// stream seeded by the connection IV and chunk counter, per spec §4.4.2.
func maskLength(length uint16, iv []byte, counter uint16) uint16 {
	var ctrBuf [2]byte
	binary.BigEndian.PutUint16(ctrBuf[:], counter)
	sh := sha3.NewShake128()
	sh.Write(ctrBuf[:])
	sh.Write(iv)
	var mask [2]byte
	sh.Read(mask[:])
	return length ^ binary.BigEndian.Uint16(mask[:])
}

func (s *stream) CloseWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return s.conn.Close()
}

func (s *stream) Close() error { return s.conn.Close() }
