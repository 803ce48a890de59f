package relay

import (
	"bytes"
	"io"
	"testing"
	"time"
)

// halfDuplexStream is a session.ByteStream backed by two independent
// io.Pipe halves, so CloseWrite can shut down only the write direction
// without affecting reads — unlike net.Pipe, which has no half-close.
type halfDuplexStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s halfDuplexStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s halfDuplexStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s halfDuplexStream) CloseWrite() error           { return s.w.Close() }
func (s halfDuplexStream) Close() error {
	s.w.Close()
	return s.r.Close()
}

// newDuplexPair builds two connected halfDuplexStreams: writes on one
// side are readable on the other, independently in each direction.
func newDuplexPair() (halfDuplexStream, halfDuplexStream) {
	abR, abW := io.Pipe()
	baR, baW := io.Pipe()
	return halfDuplexStream{r: baR, w: abW}, halfDuplexStream{r: abR, w: baW}
}

func TestRunCopiesBothDirectionsAndHalfCloses(t *testing.T) {
	client, clientPeer := newDuplexPair() // clientPeer mimics the raw client socket
	remote, remotePeer := newDuplexPair() // remotePeer mimics the raw remote socket

	done := make(chan error, 1)
	go func() {
		done <- Run(client, remote, Counters{}, Limiters{})
	}()

	go func() {
		clientPeer.Write([]byte("hello-upload"))
		clientPeer.CloseWrite()
	}()

	buf := make([]byte, 64)
	n, err := remotePeer.Read(buf)
	if err != nil {
		t.Fatalf("remote side read error: %v", err)
	}
	if string(buf[:n]) != "hello-upload" {
		t.Fatalf("got %q, want hello-upload", buf[:n])
	}

	remotePeer.Write([]byte("hello-download"))
	remotePeer.CloseWrite()

	buf2 := make([]byte, 64)
	n2, err := clientPeer.Read(buf2)
	if err != nil && err != io.EOF {
		t.Fatalf("client side read error: %v", err)
	}
	if string(buf2[:n2]) != "hello-download" {
		t.Fatalf("got %q, want hello-download", buf2[:n2])
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not complete in time")
	}
}

func TestWriteAllRespectsLimiter(t *testing.T) {
	a, b := newDuplexPair()
	limiter := NewTokenBucket(1000, 10)

	var written bytes.Buffer
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4)
		for {
			n, err := b.Read(buf)
			if n > 0 {
				written.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	payload := make([]byte, 5)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := writeAll(a, payload, nil, limiter); err != nil {
		t.Fatalf("writeAll error: %v", err)
	}
	a.CloseWrite()
	<-readDone
	if written.Len() != len(payload) {
		t.Fatalf("wrote %d bytes through limiter, want %d", written.Len(), len(payload))
	}
}

func TestTokenBucketRefills(t *testing.T) {
	b := NewTokenBucket(100, 100)
	fixed := time.Unix(0, 0)
	b.now = func() time.Time { return fixed }
	b.last = fixed

	got := b.TryConsume(100)
	if got != 100 {
		t.Fatalf("first consume = %d, want 100", got)
	}
	if got := b.TryConsume(1); got != 0 {
		t.Fatalf("expected bucket empty, got %d", got)
	}

	fixed = fixed.Add(500 * time.Millisecond)
	b.now = func() time.Time { return fixed }
	got = b.TryConsume(100)
	if got < 40 || got > 60 {
		t.Fatalf("after 500ms at 100/s expected ~50 tokens, got %d", got)
	}
}
