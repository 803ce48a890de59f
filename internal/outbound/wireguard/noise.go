// Package wireguard implements the WireGuard outbound: a Noise IKpsk2
// handshake over UDP followed by an encrypted IP-packet transport, with a
// user-space TCP/IP stack (internal/netstack) turning the tunnel's raw IP
// traffic into ordinary dialable TCP/UDP connections.
package wireguard

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/tai64n"
)

const (
	construction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	identifier   = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	labelMac1    = "mac1----"

	msgTypeHandshakeInit uint32 = 1
	msgTypeHandshakeResp uint32 = 2
	msgTypeTransport     uint32 = 4
)

// Keys holds one peer relationship's static key material.
type Keys struct {
	PrivateKey    [32]byte
	PublicKey     [32]byte
	PeerPublicKey [32]byte
	PresharedKey  [32]byte
}

// TransportKeys are the symmetric keys and nonce counters derived once the
// handshake completes.
type TransportKeys struct {
	SendKey     [32]byte
	RecvKey     [32]byte
	SendIndex   uint32
	RecvIndex   uint32
	SendCounter uint64
	RecvCounter uint64
}

// handshakeState is the chaining key / hash carried from
// CreateHandshakeInit into ParseHandshakeResp, plus the initiator's
// ephemeral private key. The original_source reference this package is
// grounded on discarded the ephemeral secret and substituted the static
// key for the second DH term — a protocol bug. This implementation keeps
// the ephemeral secret so the ee term is the real Noise IKpsk2 DH.
type handshakeState struct {
	ck      [32]byte
	h       [32]byte
	ephPriv [32]byte
}

func hashBytes(data []byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func keyedMAC(key, data []byte) [32]byte {
	h, _ := blake2s.New256(key)
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hmacHash(key, input []byte) [32]byte { return keyedMAC(key, input) }

func kdf1(key, input []byte) [32]byte {
	t0 := hmacHash(key, input)
	return hmacHash(t0[:], []byte{0x01})
}

func kdf2(key, input []byte) (t1, t2 [32]byte) {
	t0 := hmacHash(key, input)
	t1 = hmacHash(t0[:], []byte{0x01})
	t2 = hmacHash(t0[:], append(append([]byte{}, t1[:]...), 0x02))
	return
}

func kdf3(key, input []byte) (t1, t2, t3 [32]byte) {
	t0 := hmacHash(key, input)
	t1 = hmacHash(t0[:], []byte{0x01})
	t2 = hmacHash(t0[:], append(append([]byte{}, t1[:]...), 0x02))
	t3 = hmacHash(t0[:], append(append([]byte{}, t2[:]...), 0x03))
	return
}

func mixHash(h *[32]byte, data []byte) {
	combined := append(append([]byte{}, h[:]...), data...)
	*h = hashBytes(combined)
}

func aeadEncrypt(key *[32]byte, counter uint64, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

func aeadDecrypt(key *[32]byte, counter uint64, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return aead.Open(nil, nonce[:], ciphertext, aad)
}

func mac1For(peerPublicKey, msg []byte) [16]byte {
	key := hashBytes(append([]byte(labelMac1), peerPublicKey...))
	m := keyedMAC(key[:], msg)
	var out [16]byte
	copy(out[:], m[:16])
	return out
}

// timestampBytes encodes the current time as a TAI64N timestamp using the
// reference implementation's own tai64n package, rather than reproducing
// its epoch-offset arithmetic by hand.
func timestampBytes() [12]byte {
	ts := tai64n.Now()
	var out [12]byte
	copy(out[:], ts[:])
	return out
}

func appendUint32LE(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// CreateHandshakeInit builds the 148-byte Init message (type=1) per
// spec §4.4.6 and returns the state ParseHandshakeResp needs to complete
// the exchange.
func CreateHandshakeInit(keys *Keys, senderIndex uint32) ([]byte, *handshakeState, error) {
	ck := hashBytes([]byte(construction))
	h := hashBytes(append(append([]byte{}, ck[:]...), []byte(identifier)...))
	mixHash(&h, keys.PeerPublicKey[:])

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("wireguard: ephemeral public key: %w", err)
	}
	ck = kdf1(ck[:], ephPub)
	mixHash(&h, ephPub)

	eeShared, err := curve25519.X25519(ephPriv[:], keys.PeerPublicKey[:])
	if err != nil {
		return nil, nil, fmt.Errorf("wireguard: ephemeral-static dh: %w", err)
	}
	ck1, key1 := kdf2(ck[:], eeShared)
	ck = ck1

	encStatic, err := aeadEncrypt(&key1, 0, keys.PublicKey[:], h[:])
	if err != nil {
		return nil, nil, err
	}
	mixHash(&h, encStatic)

	seShared, err := curve25519.X25519(keys.PrivateKey[:], keys.PeerPublicKey[:])
	if err != nil {
		return nil, nil, fmt.Errorf("wireguard: static-static dh: %w", err)
	}
	ck2, key2 := kdf2(ck[:], seShared)
	ck = ck2

	ts := timestampBytes()
	encTimestamp, err := aeadEncrypt(&key2, 0, ts[:], h[:])
	if err != nil {
		return nil, nil, err
	}
	mixHash(&h, encTimestamp)

	msg := make([]byte, 0, 148)
	msg = appendUint32LE(msg, msgTypeHandshakeInit)
	msg = appendUint32LE(msg, senderIndex)
	msg = append(msg, ephPub...)
	msg = append(msg, encStatic...)
	msg = append(msg, encTimestamp...)
	m1 := mac1For(keys.PeerPublicKey[:], msg)
	msg = append(msg, m1[:]...)
	msg = append(msg, make([]byte, 16)...) // mac2: zero, no cookie reply pending

	return msg, &handshakeState{ck: ck, h: h, ephPriv: ephPriv}, nil
}

// ParseHandshakeResp consumes the peer's 92-byte Resp message (type=2) and
// derives the transport keys.
func ParseHandshakeResp(data []byte, keys *Keys, senderIndex uint32, st *handshakeState) (*TransportKeys, error) {
	if len(data) < 92 {
		return nil, fmt.Errorf("wireguard: handshake response too short: %d", len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != msgTypeHandshakeResp {
		return nil, fmt.Errorf("wireguard: unexpected message type %d", binary.LittleEndian.Uint32(data[0:4]))
	}
	responderIndex := binary.LittleEndian.Uint32(data[4:8])
	if binary.LittleEndian.Uint32(data[8:12]) != senderIndex {
		return nil, fmt.Errorf("wireguard: sender index mismatch in response")
	}
	respEphemeral := data[12:44]

	ck := kdf1(st.ck[:], respEphemeral)
	h := st.h
	mixHash(&h, respEphemeral)

	eeShared, err := curve25519.X25519(st.ephPriv[:], respEphemeral)
	if err != nil {
		return nil, fmt.Errorf("wireguard: ephemeral-ephemeral dh: %w", err)
	}
	ck1, _ := kdf2(ck[:], eeShared)
	ck = ck1

	ck2, tau, key := kdf3(ck[:], keys.PresharedKey[:])
	ck = ck2
	mixHash(&h, tau[:])

	encryptedNothing := data[44:60]
	if _, err := aeadDecrypt(&key, 0, encryptedNothing, h[:]); err != nil {
		return nil, fmt.Errorf("wireguard: decrypt empty payload: %w", err)
	}
	mixHash(&h, encryptedNothing)

	sendKey, recvKey := kdf2(ck[:], nil)

	return &TransportKeys{
		SendKey:   sendKey,
		RecvKey:   recvKey,
		SendIndex: senderIndex,
		RecvIndex: responderIndex,
	}, nil
}

// EncryptTransport wraps plaintext (a raw IP packet) in a type=4 transport
// message and advances the send counter.
func EncryptTransport(tk *TransportKeys, plaintext []byte) []byte {
	counter := tk.SendCounter
	tk.SendCounter++
	encrypted, _ := aeadEncrypt(&tk.SendKey, counter, plaintext, nil)
	msg := make([]byte, 0, 16+len(encrypted))
	msg = appendUint32LE(msg, msgTypeTransport)
	msg = appendUint32LE(msg, tk.RecvIndex)
	msg = appendUint64LE(msg, counter)
	return append(msg, encrypted...)
}

// DecryptTransport unwraps a type=4 transport message back into a raw IP
// packet.
func DecryptTransport(tk *TransportKeys, data []byte) ([]byte, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("wireguard: transport message too short: %d", len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != msgTypeTransport {
		return nil, fmt.Errorf("wireguard: expected transport message, got type %d", binary.LittleEndian.Uint32(data[0:4]))
	}
	counter := binary.LittleEndian.Uint64(data[8:16])
	plaintext, err := aeadDecrypt(&tk.RecvKey, counter, data[16:], nil)
	if err != nil {
		return nil, err
	}
	tk.RecvCounter = counter + 1
	return plaintext, nil
}

// GenerateKeypair returns a fresh Curve25519 static keypair.
func GenerateKeypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pubSlice)
	return
}

// ParseBase64Key decodes a standard-base64 WireGuard key (the format every
// `wg` config and client uses).
func ParseBase64Key(s string) ([32]byte, error) {
	var out [32]byte
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return out, fmt.Errorf("wireguard: invalid base64 key: %w", err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("wireguard: key must be 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
