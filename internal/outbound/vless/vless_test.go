package vless

import (
	"bufio"
	"bytes"
	"net/netip"
	"testing"

	"github.com/google/uuid"

	"proxykernel/internal/addr"
)

func TestRequestRoundTripDomain(t *testing.T) {
	id := uuid.New()
	target, err := addr.NewDomain("example.com", 443)
	if err != nil {
		t.Fatal(err)
	}
	raw := EncodeRequest(id, cmdTCP, target)
	gotID, gotCmd, gotTarget, err := DecodeRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if gotID != id {
		t.Errorf("id: got %v want %v", gotID, id)
	}
	if gotCmd != cmdTCP {
		t.Errorf("cmd: got %d want %d", gotCmd, cmdTCP)
	}
	if gotTarget != target {
		t.Errorf("target: got %v want %v", gotTarget, target)
	}
}

func TestRequestRoundTripIPv4(t *testing.T) {
	id := uuid.New()
	target, err := addr.NewIP(netip.MustParseAddr("10.0.0.5"), 8080)
	if err != nil {
		t.Fatal(err)
	}
	raw := EncodeRequest(id, cmdUDP, target)
	_, gotCmd, gotTarget, err := DecodeRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if gotCmd != cmdUDP {
		t.Errorf("cmd: got %d want %d", gotCmd, cmdUDP)
	}
	if gotTarget != target {
		t.Errorf("target: got %v want %v", gotTarget, target)
	}
}

func TestRequestRoundTripIPv6(t *testing.T) {
	id := uuid.New()
	target, err := addr.NewIP(netip.MustParseAddr("2001:db8::1"), 443)
	if err != nil {
		t.Fatal(err)
	}
	raw := EncodeRequest(id, cmdTCP, target)
	_, _, gotTarget, err := DecodeRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if gotTarget != target {
		t.Errorf("target: got %v want %v", gotTarget, target)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	raw := EncodeResponse()
	addons, err := DecodeResponse(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if len(addons) != 0 {
		t.Errorf("expected no addons, got %v", addons)
	}
}
