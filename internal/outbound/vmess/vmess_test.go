package vmess

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/google/uuid"

	"proxykernel/internal/addr"
)

func TestKDFDeterministic(t *testing.T) {
	key := []byte("some-cmd-key-16b")
	a := KDF(key, []byte("path1"), []byte("path2"))
	b := KDF(key, []byte("path1"), []byte("path2"))
	if !bytes.Equal(a, b) {
		t.Fatal("KDF not deterministic")
	}
}

func TestKDF1IsCanonicalSingleStep(t *testing.T) {
	key := []byte("t0-value")
	got := kdf1(key)
	want := KDF(key, []byte{0x01})
	if !bytes.Equal(got, want) {
		t.Fatalf("kdf1 did not match hmac(t0, 0x01)")
	}
}

func TestAddrRoundTripDomain(t *testing.T) {
	a, err := addr.NewDomain("example.com", 443)
	if err != nil {
		t.Fatal(err)
	}
	enc := encodeAddr(a)
	got, n, err := DecodeAddr(enc)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d, want %d", n, len(enc))
	}
	if got != a {
		t.Fatalf("got %v want %v", got, a)
	}
}

func TestAddrRoundTripIPv4(t *testing.T) {
	a, err := addr.NewIP(netip.MustParseAddr("203.0.113.9"), 8080)
	if err != nil {
		t.Fatal(err)
	}
	enc := encodeAddr(a)
	got, _, err := DecodeAddr(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Fatalf("got %v want %v", got, a)
	}
}

func TestMaskLengthRoundTrip(t *testing.T) {
	iv := bytes.Repeat([]byte{0x09}, 16)
	want := uint16(1234)
	masked := maskLength(want, iv, 5)
	got := maskLength(masked, iv, 5)
	if got != want {
		t.Fatalf("mask/unmask round trip: got %d want %d", got, want)
	}
}

func TestCmdKeyDeterministic(t *testing.T) {
	var id uuid.UUID
	copy(id[:], bytes.Repeat([]byte{0x01}, 16))
	k1 := cmdKey(id)
	k2 := cmdKey(id)
	if !bytes.Equal(k1, k2) {
		t.Fatal("cmdKey not deterministic")
	}
	if len(k1) != 16 {
		t.Fatalf("expected 16 bytes, got %d", len(k1))
	}
}
