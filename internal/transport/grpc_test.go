package transport

import (
	"context"
	"errors"
	"io"
	"testing"

	"google.golang.org/grpc/metadata"
)

type fakeClientStream struct {
	inbound [][]byte
	outbound [][]byte
}

func (f *fakeClientStream) Header() (metadata.MD, error) { return nil, nil }
func (f *fakeClientStream) Trailer() metadata.MD         { return nil }
func (f *fakeClientStream) CloseSend() error             { return nil }
func (f *fakeClientStream) Context() context.Context     { return context.Background() }

func (f *fakeClientStream) SendMsg(m any) error {
	b, ok := m.(*[]byte)
	if !ok {
		return errors.New("unexpected type")
	}
	f.outbound = append(f.outbound, append([]byte(nil), *b...))
	return nil
}

func (f *fakeClientStream) RecvMsg(m any) error {
	b, ok := m.(*[]byte)
	if !ok {
		return errors.New("unexpected type")
	}
	if len(f.inbound) == 0 {
		return io.EOF
	}
	*b = f.inbound[0]
	f.inbound = f.inbound[1:]
	return nil
}

func TestGrpcStreamReadBuffersAcrossMessages(t *testing.T) {
	fake := &fakeClientStream{inbound: [][]byte{[]byte("hello "), []byte("world")}}
	s := &grpcStream{cs: fake}

	buf := make([]byte, 4)
	var got []byte
	for len(got) < len("hello world") {
		n, err := s.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestGrpcStreamReadReturnsEOFWhenDrained(t *testing.T) {
	fake := &fakeClientStream{}
	s := &grpcStream{cs: fake}
	if _, err := s.Read(make([]byte, 4)); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestGrpcStreamWriteSendsWholeMessage(t *testing.T) {
	fake := &fakeClientStream{}
	s := &grpcStream{cs: fake}
	n, err := s.Write([]byte("payload"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len("payload") {
		t.Fatalf("wrote %d, want %d", n, len("payload"))
	}
	if len(fake.outbound) != 1 || string(fake.outbound[0]) != "payload" {
		t.Fatalf("unexpected outbound messages: %v", fake.outbound)
	}
}
