package group

import (
	"context"
	"path/filepath"
	"testing"

	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
)

type stubHandler struct{ tag string }

func (s *stubHandler) Tag() string { return s.tag }
func (s *stubHandler) Connect(ctx context.Context, sess *session.Session) (session.ByteStream, error) {
	return nil, nil
}
func (s *stubHandler) ConnectUDP(ctx context.Context, sess *session.Session) (session.UdpTransport, error) {
	return nil, outbound.ErrUDPUnsupported
}

func newManager(t *testing.T, tags ...string) *outbound.Manager {
	t.Helper()
	outbound.Register("stub-leaf-for-group-test", func(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
		return &stubHandler{tag: tag}, nil
	})
	specs := make([]outbound.Spec, len(tags))
	for i, tag := range tags {
		specs[i] = outbound.Spec{Tag: tag, Protocol: "stub-leaf-for-group-test"}
	}
	m, err := outbound.New(specs)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestSelectorDelegatesToCurrentAndPersists(t *testing.T) {
	m := newManager(t, "a", "b")
	statePath := filepath.Join(t.TempDir(), "groups.json")
	h, err := buildSelector("sel", map[string]any{
		"proxies":    []any{"a", "b"},
		"state_path": statePath,
	}, outbound.Deps{Manager: m})
	if err != nil {
		t.Fatal(err)
	}
	sel := h.(*Selector)
	if sel.CurrentTag() != "a" {
		t.Fatalf("CurrentTag() = %q, want a", sel.CurrentTag())
	}
	if !sel.Select("b") {
		t.Fatal("expected Select(b) to succeed")
	}
	if sel.CurrentTag() != "b" {
		t.Fatalf("CurrentTag() = %q, want b", sel.CurrentTag())
	}
	if sel.Select("nonexistent") {
		t.Fatal("expected Select(nonexistent) to fail")
	}

	// A freshly constructed selector picks up the persisted selection.
	h2, err := buildSelector("sel", map[string]any{
		"proxies":    []any{"a", "b"},
		"state_path": statePath,
	}, outbound.Deps{Manager: m})
	if err != nil {
		t.Fatal(err)
	}
	if h2.(*Selector).CurrentTag() != "b" {
		t.Fatalf("reloaded CurrentTag() = %q, want b", h2.(*Selector).CurrentTag())
	}
}

func TestSelectorFallsBackWhenPersistedMemberGone(t *testing.T) {
	m := newManager(t, "a", "b")
	statePath := filepath.Join(t.TempDir(), "groups.json")
	h, _ := buildSelector("sel", map[string]any{"proxies": []any{"a", "b"}, "state_path": statePath}, outbound.Deps{Manager: m})
	h.(*Selector).Select("b")

	// Reconstruct with a member list that no longer includes "b".
	m2 := newManager(t, "a")
	h2, err := buildSelector("sel", map[string]any{"proxies": []any{"a"}, "state_path": statePath}, outbound.Deps{Manager: m2})
	if err != nil {
		t.Fatal(err)
	}
	if h2.(*Selector).CurrentTag() != "a" {
		t.Fatalf("CurrentTag() = %q, want fallback to a", h2.(*Selector).CurrentTag())
	}
}

func TestFallbackRejectsEmptyMemberList(t *testing.T) {
	m := newManager(t)
	_, err := buildFallback("fb", map[string]any{"proxies": []any{}}, outbound.Deps{Manager: m})
	if err == nil {
		t.Fatal("expected error for empty member list")
	}
}

func TestLoadBalanceRejectsUnknownMember(t *testing.T) {
	m := newManager(t, "a")
	_, err := buildLoadBalance("lb", map[string]any{"proxies": []any{"missing"}}, outbound.Deps{Manager: m})
	if err == nil {
		t.Fatal("expected error for unknown member tag")
	}
}

func TestLoadBalanceRoundRobinPicksAllLiveMembers(t *testing.T) {
	m := newManager(t, "a", "b")
	h, err := buildLoadBalance("lb", map[string]any{"proxies": []any{"a", "b"}, "strategy": "round-robin"}, outbound.Deps{Manager: m})
	if err != nil {
		t.Fatal(err)
	}
	lb := h.(*LoadBalance)
	defer lb.Stop()
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		picked, err := lb.pick(&session.Session{})
		if err != nil {
			t.Fatal(err)
		}
		seen[picked.Tag()] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected round-robin to visit both members, saw %v", seen)
	}
}
