package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/quic-go/quic-go"
)

// QUICOptions configures a QUIC carrier connection. Both Hysteria2 and
// MASQUE outbounds ride on this (spec.md §4.4), opening either a
// bidirectional stream or sending unreliable datagrams per protocol.
type QUICOptions struct {
	ServerName string
	ALPN       []string
	Insecure   bool
}

// quicStream adapts a quic.Stream to session.ByteStream. quic-go's
// Stream.Close() already half-closes the write side (sends a FIN) while
// reads continue until the peer closes its own direction, matching
// CloseWrite's contract closely enough that the two are the same call
// here; callers needing a hard abort use the owning quic.Connection.
type quicStream struct {
	quic.Stream
}

func (s *quicStream) CloseWrite() error { return s.Stream.Close() }

// DialQUIC opens a QUIC connection to addr and returns it plus a freshly
// opened bidirectional stream wrapped as a ByteStream.
func DialQUIC(ctx context.Context, addr string, opts QUICOptions) (quic.Connection, *quicStream, error) {
	tlsCfg := &tls.Config{
		ServerName:         opts.ServerName,
		NextProtos:         opts.ALPN,
		InsecureSkipVerify: opts.Insecure,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsCfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: quic dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, nil, fmt.Errorf("transport: quic open stream: %w", err)
	}
	return conn, &quicStream{stream}, nil
}

// SendDatagram sends an unreliable datagram on conn, used by MASQUE and
// Hysteria2's datagram-mode relay path.
func SendDatagram(conn quic.Connection, data []byte) error {
	return conn.SendDatagram(data)
}

// ReceiveDatagram blocks until one unreliable datagram arrives on conn.
func ReceiveDatagram(ctx context.Context, conn quic.Connection) ([]byte, error) {
	return conn.ReceiveDatagram(ctx)
}
