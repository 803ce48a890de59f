package block

import (
	"context"
	"errors"
	"testing"

	"proxykernel/internal/addr"
	"proxykernel/internal/session"
)

func TestHandlerAlwaysBlocks(t *testing.T) {
	h := &Handler{tag: "blocked"}
	a, _ := addr.NewDomain("example.com", 80)
	s := &session.Session{Target: a, Network: addr.TCP}
	if _, err := h.Connect(context.Background(), s); !errors.Is(err, ErrBlocked) {
		t.Fatalf("Connect() error = %v, want ErrBlocked", err)
	}
	if _, err := h.ConnectUDP(context.Background(), s); !errors.Is(err, ErrBlocked) {
		t.Fatalf("ConnectUDP() error = %v, want ErrBlocked", err)
	}
	if h.Tag() != "blocked" {
		t.Fatalf("Tag() = %q, want blocked", h.Tag())
	}
}
