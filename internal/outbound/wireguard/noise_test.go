package wireguard

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestHashDeterministic(t *testing.T) {
	h1 := hashBytes([]byte("test data"))
	h2 := hashBytes([]byte("test data"))
	if h1 != h2 {
		t.Fatal("hash not deterministic")
	}
	if h1 == ([32]byte{}) {
		t.Fatal("hash is all zero")
	}
}

func TestKdf2ProducesTwoDifferentKeys(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, 32)
	t1, t2 := kdf2(key, []byte("input data"))
	if t1 == t2 {
		t.Fatal("kdf2 outputs must differ")
	}
	if t1 == ([32]byte{}) {
		t.Fatal("kdf2 t1 is all zero")
	}
}

func TestKdf3ProducesThreeDifferentKeys(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 32)
	t1, t2, t3 := kdf3(key, []byte("input data"))
	if t1 == t2 || t2 == t3 || t1 == t3 {
		t.Fatal("kdf3 outputs must all differ")
	}
}

func TestAeadEncryptDecryptRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x44}, 32))
	plaintext := []byte("hello wireguard")
	aad := []byte("additional data")
	ciphertext, err := aeadEncrypt(&key, 0, plaintext, aad)
	if err != nil {
		t.Fatal(err)
	}
	decrypted, err := aeadDecrypt(&key, 0, ciphertext, aad)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("got %q want %q", decrypted, plaintext)
	}
}

func TestAeadDecryptWrongKeyFails(t *testing.T) {
	var key1, key2 [32]byte
	copy(key1[:], bytes.Repeat([]byte{0x44}, 32))
	copy(key2[:], bytes.Repeat([]byte{0x55}, 32))
	ciphertext, err := aeadEncrypt(&key1, 0, []byte("test"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := aeadDecrypt(&key2, 0, ciphertext, nil); err == nil {
		t.Fatal("expected decrypt failure with wrong key")
	}
}

func TestGenerateKeypairDifferentEachTime(t *testing.T) {
	_, p1, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	_, p2, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Fatal("expected different public keys")
	}
}

func TestParseBase64KeyRoundTrip(t *testing.T) {
	_, pub, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	encoded := base64.StdEncoding.EncodeToString(pub[:])
	parsed, err := ParseBase64Key(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != pub {
		t.Fatal("round trip mismatch")
	}
}

func TestParseBase64KeyInvalidLength(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(make([]byte, 16))
	if _, err := ParseBase64Key(encoded); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestHandshakeInitHasExpectedLength(t *testing.T) {
	_, pub1, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	priv2, _, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	keys := &Keys{PrivateKey: priv2, PeerPublicKey: pub1}
	msg, hs, err := CreateHandshakeInit(keys, 42)
	if err != nil {
		t.Fatal(err)
	}
	// 4 (type) + 4 (sender) + 32 (eph) + 48 (enc static) + 28 (enc timestamp) + 16 (mac1) + 16 (mac2)
	if len(msg) != 148 {
		t.Fatalf("got length %d, want 148", len(msg))
	}
	if hs.ck == ([32]byte{}) || hs.h == ([32]byte{}) {
		t.Fatal("handshake state chaining key/hash must not be zero")
	}
}

func TestTransportEncryptDecryptRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0xAA}, 32))
	send := &TransportKeys{SendKey: key, RecvKey: key, SendIndex: 1, RecvIndex: 2}
	recv := &TransportKeys{SendKey: key, RecvKey: key, SendIndex: 2, RecvIndex: 1}

	plaintext := []byte("test ip packet data")
	msg := EncryptTransport(send, plaintext)
	if len(msg) <= 16+len(plaintext)-16 {
		// sanity: message carries more than just the header
	}
	decrypted, err := DecryptTransport(recv, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("got %q want %q", decrypted, plaintext)
	}
	if send.SendCounter != 1 {
		t.Fatalf("expected send counter 1, got %d", send.SendCounter)
	}
}
