package transport

import (
	"bytes"
	"net"
	"testing"
	"time"
)

type recordingConn struct {
	net.Conn
	writes [][]byte
}

func (c *recordingConn) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	c.writes = append(c.writes, buf)
	return len(p), nil
}

func TestFragmentingConnSplitsFirstWriteOnly(t *testing.T) {
	rec := &recordingConn{}
	fc := &fragmentingConn{Conn: rec, opts: FragmentOptions{MinLen: 10, MaxLen: 20}}

	payload := bytes.Repeat([]byte{0xAB}, 100)
	n, err := fc.Write(payload)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}
	if len(rec.writes) < 2 {
		t.Fatalf("expected the first write to be split into multiple chunks, got %d", len(rec.writes))
	}
	var total []byte
	for i, w := range rec.writes {
		isLast := i == len(rec.writes)-1
		if !isLast && (len(w) < 10 || len(w) >= 20) {
			t.Fatalf("chunk %d length %d outside [10,20)", i, len(w))
		}
		total = append(total, w...)
	}
	if !bytes.Equal(total, payload) {
		t.Fatal("reassembled fragments do not match original payload")
	}

	rec.writes = nil
	if _, err := fc.Write([]byte("second write")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if len(rec.writes) != 1 {
		t.Fatalf("expected subsequent writes to pass through unsplit, got %d chunks", len(rec.writes))
	}
}

func TestFragmentingConnLeavesShortWritesUnsplit(t *testing.T) {
	rec := &recordingConn{}
	fc := &fragmentingConn{Conn: rec, opts: FragmentOptions{MinLen: 1000, MaxLen: 2000}}
	if _, err := fc.Write([]byte("short")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(rec.writes) != 1 || string(rec.writes[0]) != "short" {
		t.Fatalf("expected short write to pass through unchanged, got %v", rec.writes)
	}
}

func TestFragmentingConnDelayBetweenChunks(t *testing.T) {
	rec := &recordingConn{}
	fc := &fragmentingConn{Conn: rec, opts: FragmentOptions{MinLen: 5, MaxLen: 10, Delay: 2 * time.Millisecond}}
	start := time.Now()
	if _, err := fc.Write(bytes.Repeat([]byte{1}, 30)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(rec.writes) < 2 {
		t.Fatal("expected multiple chunks to exercise inter-chunk delay")
	}
	if time.Since(start) < time.Duration(len(rec.writes)-1)*time.Millisecond {
		t.Fatalf("expected delay between chunks, elapsed %v across %d chunks", time.Since(start), len(rec.writes))
	}
}
