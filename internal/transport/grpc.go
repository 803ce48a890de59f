package transport

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const grpcRawCodecName = "raw"

// rawCodec passes payload bytes straight through; grpc-go's own wire
// writer still wraps every message in the standard gRPC length-prefixed
// frame ([1B compressed][4B big-endian length][bytes]) spec.md names, so
// no manual frame construction is needed here.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("transport: grpc raw codec: unexpected type %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("transport: grpc raw codec: unexpected type %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return grpcRawCodecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

var tunnelStreamDesc = grpc.StreamDesc{
	StreamName:    "Tun",
	ServerStreams: true,
	ClientStreams: true,
}

// grpcStream adapts a bidi-streaming gRPC ClientStream to session.ByteStream,
// buffering the tail of each received message across Read calls since gRPC
// delivers whole messages but ByteStream readers may ask for fewer bytes.
type grpcStream struct {
	cs  grpc.ClientStream
	cc  *grpc.ClientConn
	buf []byte
}

func (s *grpcStream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		var msg []byte
		if err := s.cs.RecvMsg(&msg); err != nil {
			return 0, err
		}
		s.buf = msg
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *grpcStream) Write(p []byte) (int, error) {
	msg := append([]byte(nil), p...)
	if err := s.cs.SendMsg(&msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *grpcStream) CloseWrite() error { return s.cs.CloseSend() }
func (s *grpcStream) Close() error      { return s.cc.Close() }

// DialGRPC opens the TunneledService/Tun bidirectional stream over conn
// (already dialed, and TLS-wrapped by the caller if configured).
func DialGRPC(ctx context.Context, conn net.Conn, serviceMethod string) (*grpcStream, error) {
	dialer := func(ctx context.Context, addr string) (net.Conn, error) { return conn, nil }
	cc, err := grpc.NewClient("passthrough:///"+conn.RemoteAddr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(grpcRawCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: grpc dial: %w", err)
	}
	cs, err := cc.NewStream(ctx, &tunnelStreamDesc, serviceMethod)
	if err != nil {
		cc.Close()
		return nil, fmt.Errorf("transport: grpc new stream: %w", err)
	}
	return &grpcStream{cs: cs, cc: cc}, nil
}
