package outbound

import (
	"context"
	"testing"

	"proxykernel/internal/session"
)

func init() {
	Register("test-leaf", func(tag string, settings map[string]any, deps Deps) (Handler, error) {
		return &fakeHandler{tag: tag}, nil
	})
	Register("selector", func(tag string, settings map[string]any, deps Deps) (Handler, error) {
		return &fakeHandler{tag: tag}, nil
	})
}

type fakeHandler struct{ tag string }

func (f *fakeHandler) Tag() string { return f.tag }
func (f *fakeHandler) Connect(ctx context.Context, s *session.Session) (session.ByteStream, error) {
	return nil, nil
}
func (f *fakeHandler) ConnectUDP(ctx context.Context, s *session.Session) (session.UdpTransport, error) {
	return nil, ErrUDPUnsupported
}

func TestManagerRejectsDuplicateTags(t *testing.T) {
	_, err := New([]Spec{
		{Tag: "a", Protocol: "test-leaf"},
		{Tag: "a", Protocol: "test-leaf"},
	})
	if err == nil {
		t.Fatal("expected error for duplicate tag")
	}
}

func TestManagerRejectsSelfReferencingGroup(t *testing.T) {
	_, err := New([]Spec{
		{Tag: "g", Protocol: "selector", IsGroup: true, Members: []string{"g"}},
	})
	if err == nil {
		t.Fatal("expected error for self-referencing group")
	}
}

func TestManagerRejectsCycle(t *testing.T) {
	_, err := New([]Spec{
		{Tag: "a", Protocol: "selector", IsGroup: true, Members: []string{"b"}},
		{Tag: "b", Protocol: "selector", IsGroup: true, Members: []string{"a"}},
	})
	if err == nil {
		t.Fatal("expected error for cyclic group graph")
	}
}

func TestManagerRejectsDanglingMember(t *testing.T) {
	_, err := New([]Spec{
		{Tag: "a", Protocol: "selector", IsGroup: true, Members: []string{"missing"}},
	})
	if err == nil {
		t.Fatal("expected error for dangling member reference")
	}
}

func TestManagerBuildsLeavesBeforeGroups(t *testing.T) {
	m, err := New([]Spec{
		{Tag: "g", Protocol: "selector", IsGroup: true, Members: []string{"leaf"}},
		{Tag: "leaf", Protocol: "test-leaf"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("leaf"); !ok {
		t.Fatal("expected leaf to be registered")
	}
	if _, ok := m.Get("g"); !ok {
		t.Fatal("expected group to be registered")
	}
}
