package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
	"proxykernel/internal/tracker"
)

type stubHandler struct {
	tag     string
	current string
}

func (s *stubHandler) Tag() string { return s.tag }
func (s *stubHandler) Connect(ctx context.Context, sess *session.Session) (session.ByteStream, error) {
	return nil, nil
}
func (s *stubHandler) ConnectUDP(ctx context.Context, sess *session.Session) (session.UdpTransport, error) {
	return nil, outbound.ErrUDPUnsupported
}
func (s *stubHandler) CurrentTag() string      { return s.current }
func (s *stubHandler) Select(name string) bool {
	if name == "direct" {
		s.current = name
		return true
	}
	return false
}

func newTestManager(t *testing.T) *outbound.Manager {
	t.Helper()
	outbound.Register("stub-leaf-for-api-test", func(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
		return &stubHandler{tag: tag, current: "direct"}, nil
	})
	m, err := outbound.New([]outbound.Spec{{Tag: "my-selector", Protocol: "stub-leaf-for-api-test"}})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestListProxiesAndSelect(t *testing.T) {
	mgr := newTestManager(t)
	s := NewServer(Deps{Manager: mgr, Tracker: tracker.New(10)})
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/proxies")
	if err != nil {
		t.Fatal(err)
	}
	var list []proxyInfo
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 1 || list[0].Tag != "my-selector" || list[0].Current != "direct" {
		t.Fatalf("unexpected proxy list: %+v", list)
	}

	resp2, err := http.Post(srv.URL+"/proxies/my-selector/select?name=nonexistent", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	var result map[string]bool
	json.NewDecoder(resp2.Body).Decode(&result)
	resp2.Body.Close()
	if result["ok"] {
		t.Fatal("expected select(nonexistent) to fail")
	}

	resp3, _ := http.Get(srv.URL + "/proxies/nonexistent-tag")
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tag, got %d", resp3.StatusCode)
	}
}

func TestConnectionsListAndClose(t *testing.T) {
	tr := tracker.New(10)
	id := tr.NewID()
	tr.Register(&tracker.Connection{ID: id, OutboundTag: "direct"})

	s := NewServer(Deps{Manager: newTestManager(t), Tracker: tr})
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, _ := http.Get(srv.URL + "/connections")
	var conns []tracker.Snapshot
	json.NewDecoder(resp.Body).Decode(&conns)
	resp.Body.Close()
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(conns))
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/connections/"+itoa(id), nil)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp2.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp2.StatusCode)
	}
	if tr.Count() != 0 {
		t.Fatal("expected connection removed")
	}
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
