package trojan

import (
	"bytes"
	"net/netip"
	"testing"

	"proxykernel/internal/addr"
)

func TestHashPasswordIsDeterministicAndLength56(t *testing.T) {
	h1 := HashPassword("my-secret-trojan-password")
	h2 := HashPassword("my-secret-trojan-password")
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s != %s", h1, h2)
	}
	if len(h1) != 56 {
		t.Fatalf("expected 56 hex chars, got %d", len(h1))
	}
}

func TestRequestRoundTripDomain(t *testing.T) {
	hash := HashPassword("pw")
	target, err := addr.NewDomain("example.com", 443)
	if err != nil {
		t.Fatal(err)
	}
	raw := EncodeRequest(hash, cmdConnect, target)
	r := bytes.NewReader(raw)
	br := NewBufReader(r.Read)
	gotHash, gotCmd, gotTarget, err := DecodeRequest(br)
	if err != nil {
		t.Fatal(err)
	}
	if gotHash != hash {
		t.Errorf("hash: got %s want %s", gotHash, hash)
	}
	if gotCmd != cmdConnect {
		t.Errorf("cmd: got %d want %d", gotCmd, cmdConnect)
	}
	if gotTarget != target {
		t.Errorf("target: got %v want %v", gotTarget, target)
	}
}

func TestRequestRoundTripIPv4UDP(t *testing.T) {
	hash := HashPassword("pw2")
	target, err := addr.NewIP(netip.MustParseAddr("127.0.0.1"), 53)
	if err != nil {
		t.Fatal(err)
	}
	raw := EncodeRequest(hash, cmdUDPAssocate, target)
	r := bytes.NewReader(raw)
	br := NewBufReader(r.Read)
	_, gotCmd, gotTarget, err := DecodeRequest(br)
	if err != nil {
		t.Fatal(err)
	}
	if gotCmd != cmdUDPAssocate {
		t.Errorf("cmd: got %d want %d", gotCmd, cmdUDPAssocate)
	}
	if gotTarget != target {
		t.Errorf("target: got %v want %v", gotTarget, target)
	}
}
