// Package shadowsocks implements the legacy-AEAD Shadowsocks outbound
// (chacha20-ietf-poly1305, aes-128-gcm, aes-256-gcm) per spec §4.4.4: a
// random per-connection salt, an HKDF-SHA1 derived subkey, and a stream of
// length-then-payload AEAD chunks with an incrementing little-endian nonce.
package shadowsocks

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"proxykernel/internal/addr"
	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
)

func init() {
	outbound.Register("shadowsocks", build)
}

const maxChunkPayload = 0x3FFF // 14-bit length field

// Method identifies one of the supported legacy-AEAD ciphers.
type Method string

const (
	AES128GCM          Method = "aes-128-gcm"
	AES256GCM          Method = "aes-256-gcm"
	Chacha20IETFPoly1305 Method = "chacha20-ietf-poly1305"
)

func (m Method) keyLen() int {
	switch m {
	case AES128GCM:
		return 16
	case AES256GCM:
		return 32
	case Chacha20IETFPoly1305:
		return 32
	default:
		return 0
	}
}

func (m Method) newAEAD(key []byte) (cipher.AEAD, error) {
	switch m {
	case AES128GCM, AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case Chacha20IETFPoly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("shadowsocks: unsupported method %q", m)
	}
}

// Handler dials a Shadowsocks server and wraps the connection in the AEAD
// chunk stream; the first plaintext bytes written are the target address
// header per spec §4.4.4.
type Handler struct {
	tag      string
	server   string
	method   Method
	masterKey []byte
	dialer   net.Dialer
}

func build(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	server, _ := settings["server"].(string)
	if server == "" {
		return nil, fmt.Errorf("shadowsocks %q: missing server", tag)
	}
	methodStr, _ := settings["method"].(string)
	method := Method(methodStr)
	keyLen := method.keyLen()
	if keyLen == 0 {
		return nil, fmt.Errorf("shadowsocks %q: unsupported method %q", tag, methodStr)
	}
	password, _ := settings["password"].(string)
	if password == "" {
		return nil, fmt.Errorf("shadowsocks %q: missing password", tag)
	}
	return &Handler{
		tag:       tag,
		server:    server,
		method:    method,
		masterKey: EVPBytesToKey(password, keyLen),
	}, nil
}

// EVPBytesToKey reproduces OpenSSL's legacy EVP_BytesToKey with MD5, the KDF
// Shadowsocks' legacy-AEAD mode uses to turn a password into a master key of
// the cipher's key length. Deterministic: same (password, keyLen) always
// yields the same key.
func EVPBytesToKey(password string, keyLen int) []byte {
	var (
		key  []byte
		prev []byte
	)
	pwBytes := []byte(password)
	for len(key) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write(pwBytes)
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keyLen]
}

// DeriveSubkey runs HKDF-SHA1(masterKey, salt, "ss-subkey", keyLen), the
// per-connection subkey derivation spec §4.4.4 names. Deterministic given
// the same inputs.
func DeriveSubkey(masterKey, salt []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha1.New, masterKey, salt, []byte("ss-subkey"))
	sub := make([]byte, keyLen)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (h *Handler) Tag() string { return h.tag }

func (h *Handler) Connect(ctx context.Context, s *session.Session) (session.ByteStream, error) {
	conn, err := h.dialer.DialContext(ctx, "tcp", h.server)
	if err != nil {
		return nil, err
	}
	keyLen := h.method.keyLen()
	salt := make([]byte, keyLen)
	if _, err := rand.Read(salt); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(salt); err != nil {
		conn.Close()
		return nil, err
	}
	subkey, err := DeriveSubkey(h.masterKey, salt, keyLen)
	if err != nil {
		conn.Close()
		return nil, err
	}
	aead, err := h.method.newAEAD(subkey)
	if err != nil {
		conn.Close()
		return nil, err
	}
	st := &stream{conn: conn, writeAEAD: aead}

	readSalt := make([]byte, keyLen)
	if _, err := io.ReadFull(conn, readSalt); err != nil {
		conn.Close()
		return nil, err
	}
	readSubkey, err := DeriveSubkey(h.masterKey, readSalt, keyLen)
	if err != nil {
		conn.Close()
		return nil, err
	}
	readAEAD, err := h.method.newAEAD(readSubkey)
	if err != nil {
		conn.Close()
		return nil, err
	}
	st.readAEAD = readAEAD

	header := encodeAddrHeader(s.Target)
	if _, err := st.Write(header); err != nil {
		conn.Close()
		return nil, err
	}
	return st, nil
}

func (h *Handler) ConnectUDP(ctx context.Context, s *session.Session) (session.UdpTransport, error) {
	return nil, outbound.ErrUDPUnsupported
}

const (
	atypIPv4   byte = 1
	atypDomain byte = 3
	atypIPv6   byte = 4
)

func encodeAddrHeader(a addr.Address) []byte {
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

// stream implements session.ByteStream over the length-then-payload AEAD
// chunk sequence: each write encrypts a length frame and a payload frame
// with the current nonce, then increments it; each read does the inverse.
type stream struct {
	conn net.Conn

	writeAEAD   cipher.AEAD
	writeNonce  [12]byte
	readAEAD    cipher.AEAD
	readNonce   [12]byte

	readBuf []byte // decrypted bytes not yet consumed by Read
}

func incNonce(n *[12]byte) {
	for i := 0; i < len(n); i++ {
		n[i]++
		if n[i] != 0 {
			break
		}
	}
}

func (s *stream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxChunkPayload {
			chunk = chunk[:maxChunkPayload]
		}
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(chunk)))
		sealedLen := s.writeAEAD.Seal(nil, s.writeNonce[:], lenBuf[:], nil)
		incNonce(&s.writeNonce)
		sealedPayload := s.writeAEAD.Seal(nil, s.writeNonce[:], chunk, nil)
		incNonce(&s.writeNonce)
		if _, err := s.conn.Write(sealedLen); err != nil {
			return total, err
		}
		if _, err := s.conn.Write(sealedPayload); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *stream) Read(p []byte) (int, error) {
	for len(s.readBuf) == 0 {
		overhead := s.readAEAD.Overhead()
		sealedLen := make([]byte, 2+overhead)
		if _, err := io.ReadFull(s.conn, sealedLen); err != nil {
			return 0, err
		}
		lenBuf, err := s.readAEAD.Open(nil, s.readNonce[:], sealedLen, nil)
		if err != nil {
			return 0, fmt.Errorf("shadowsocks: length decrypt: %w", err)
		}
		incNonce(&s.readNonce)
		n := binary.BigEndian.Uint16(lenBuf) & maxChunkPayload
		sealedPayload := make([]byte, int(n)+overhead)
		if _, err := io.ReadFull(s.conn, sealedPayload); err != nil {
			return 0, err
		}
		payload, err := s.readAEAD.Open(nil, s.readNonce[:], sealedPayload, nil)
		if err != nil {
			return 0, fmt.Errorf("shadowsocks: payload decrypt: %w", err)
		}
		incNonce(&s.readNonce)
		s.readBuf = payload
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *stream) CloseWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return s.conn.Close()
}

func (s *stream) Close() error { return s.conn.Close() }
