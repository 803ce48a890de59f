package dispatcher

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"proxykernel/internal/addr"
	"proxykernel/internal/outbound"
	"proxykernel/internal/resilience"
	"proxykernel/internal/router"
	"proxykernel/internal/session"
	"proxykernel/internal/tracker"
)

// loopStream is a minimal session.ByteStream backed by two in-memory
// pipes, used as both the client-facing and outbound-facing stream.
type loopStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newLoopPair() (loopStream, loopStream) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	return loopStream{r: br, w: aw}, loopStream{r: ar, w: bw}
}

func (s loopStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s loopStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s loopStream) CloseWrite() error           { return s.w.Close() }
func (s loopStream) Close() error {
	s.w.Close()
	return s.r.Close()
}

type fakeHandler struct {
	tag    string
	stream session.ByteStream
	err    error
}

func (h *fakeHandler) Tag() string { return h.tag }
func (h *fakeHandler) Connect(ctx context.Context, sess *session.Session) (session.ByteStream, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.stream, nil
}
func (h *fakeHandler) ConnectUDP(ctx context.Context, sess *session.Session) (session.UdpTransport, error) {
	return nil, outbound.ErrUDPUnsupported
}

func newTestRouter(t *testing.T, defaultTag string) *router.Router {
	t.Helper()
	r, err := router.New(nil, defaultTag, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newTestManager(t *testing.T, handlers ...outbound.Handler) *outbound.Manager {
	t.Helper()
	specs := make([]outbound.Spec, len(handlers))
	for i, h := range handlers {
		name := "fake-dispatch-leaf-" + h.Tag()
		outbound.Register(name, func(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
			for _, hh := range handlers {
				if hh.Tag() == tag {
					return hh, nil
				}
			}
			return nil, errors.New("not found")
		})
		specs[i] = outbound.Spec{Tag: h.Tag(), Protocol: name}
	}
	m, err := outbound.New(specs)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestDispatchHappyPathRelaysAndCleansUp(t *testing.T) {
	clientSide, dispatcherClientEnd := newLoopPair()
	remoteDispatcherEnd, remoteSide := newLoopPair()

	h := &fakeHandler{tag: "direct", stream: remoteDispatcherEnd}
	tr := tracker.New(10)
	rt := newTestRouter(t, "direct")
	mgr := newTestManager(t, h)
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	d := New(tr, rt, mgr, breakers, Config{ConnectTimeout: time.Second})

	target, _ := addr.NewDomain("example.com", 443)
	sess := &session.Session{Target: target, Network: addr.TCP, InboundTag: "in"}

	done := make(chan error, 1)
	go func() { done <- d.Dispatch(context.Background(), dispatcherClientEnd, sess) }()

	go func() {
		clientSide.Write([]byte("ping"))
		clientSide.CloseWrite()
	}()

	buf := make([]byte, 16)
	n, err := remoteSide.Read(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("remote did not see upload: %q err=%v", buf[:n], err)
	}
	remoteSide.Write([]byte("pong"))
	remoteSide.CloseWrite()

	buf2 := make([]byte, 16)
	n2, _ := clientSide.Read(buf2)
	if string(buf2[:n2]) != "pong" {
		t.Fatalf("client did not see download: %q", buf2[:n2])
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Dispatch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not complete")
	}

	if tr.Count() != 0 {
		t.Fatalf("tracker still holds %d sessions after cleanup", tr.Count())
	}
}

func TestDispatchAdmissionRefused(t *testing.T) {
	tr := tracker.New(1)
	if !tr.Admit() {
		t.Fatal("expected first admit to succeed")
	}
	rt := newTestRouter(t, "direct")
	mgr := newTestManager(t)
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	d := New(tr, rt, mgr, breakers, Config{})

	target, _ := addr.NewDomain("example.com", 80)
	sess := &session.Session{Target: target, Network: addr.TCP}
	_, client := newLoopPair()
	err := d.Dispatch(context.Background(), client, sess)
	if err == nil {
		t.Fatal("expected admission refused error")
	}
	var dErr *Error
	if !errors.As(err, &dErr) || dErr.Kind != AdmissionRefused {
		t.Fatalf("expected AdmissionRefused, got %v", err)
	}
}

func TestDispatchOutboundMissing(t *testing.T) {
	tr := tracker.New(10)
	rt := newTestRouter(t, "nonexistent-tag")
	mgr := newTestManager(t)
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	d := New(tr, rt, mgr, breakers, Config{})

	target, _ := addr.NewDomain("example.com", 80)
	sess := &session.Session{Target: target, Network: addr.TCP}
	_, client := newLoopPair()
	err := d.Dispatch(context.Background(), client, sess)
	var dErr *Error
	if !errors.As(err, &dErr) || dErr.Kind != OutboundMissing {
		t.Fatalf("expected OutboundMissing, got %v", err)
	}
	if tr.Count() != 0 {
		t.Fatalf("expected admission slot released, count=%d", tr.Count())
	}
}

func TestDispatchOutboundConnectFailedRecordsBreakerFailure(t *testing.T) {
	tr := tracker.New(10)
	connErr := errors.New("dial refused")
	h := &fakeHandler{tag: "direct", err: connErr}
	rt := newTestRouter(t, "direct")
	mgr := newTestManager(t, h)
	breakers := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenDuration: time.Minute})
	d := New(tr, rt, mgr, breakers, Config{RetryPolicy: resilience.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}})

	target, _ := addr.NewDomain("example.com", 80)
	sess := &session.Session{Target: target, Network: addr.TCP}
	_, client := newLoopPair()
	err := d.Dispatch(context.Background(), client, sess)
	var dErr *Error
	if !errors.As(err, &dErr) || dErr.Kind != OutboundConnectFailed {
		t.Fatalf("expected OutboundConnectFailed, got %v", err)
	}
	if breakers.Get("direct").State() != resilience.Open {
		t.Fatal("expected breaker to trip open after threshold failures")
	}
}
