package hysteria2

import (
	"context"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"

	"proxykernel/internal/addr"
	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
	"proxykernel/internal/transport"
)

func init() {
	outbound.Register("hysteria2", build)
}

// Handler opens a fresh QUIC connection and one Hysteria2 stream per
// Connect call and one datagram-backed flow per ConnectUDP. The configured
// password is stored but not sent: no authentication exchange is made.
// Obfuscation wrappers are out of this core's scope.
type Handler struct {
	tag      string
	server   string
	password string
	sni      string
	insecure bool
	brutal   BrutalParams
}

func build(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	server, _ := settings["server"].(string)
	if server == "" {
		return nil, fmt.Errorf("hysteria2 %q: missing server", tag)
	}
	password, _ := settings["password"].(string)
	sni, _ := settings["sni"].(string)
	insecure, _ := settings["insecure"].(bool)

	var rate uint64
	switch v := settings["up_mbps"].(type) {
	case int:
		rate = uint64(v) * 1_000_000 / 8
	case float64:
		rate = uint64(v) * 1_000_000 / 8
	}
	if rate == 0 {
		rate = 10_000_000 // 10 MB/s default, matching the reference client's unconfigured fallback
	}

	return &Handler{
		tag:      tag,
		server:   server,
		password: password,
		sni:      sni,
		insecure: insecure,
		brutal:   BrutalParams{RateBps: rate},
	}, nil
}

func (h *Handler) Tag() string { return h.tag }

func (h *Handler) quicOptions() transport.QUICOptions {
	return transport.QUICOptions{ServerName: h.sni, ALPN: []string{"h3"}, Insecure: h.insecure}
}

// Connect opens a fresh QUIC connection and stream, sends the TCP request
// frame, and waits for the server's response before handing back a
// transparent stream.
func (h *Handler) Connect(ctx context.Context, s *session.Session) (session.ByteStream, error) {
	conn, stream, err := transport.DialQUIC(ctx, h.server, h.quicOptions())
	if err != nil {
		return nil, err
	}
	req, err := EncodeRequest(s.Target.String())
	if err != nil {
		stream.Close()
		conn.CloseWithError(0, "")
		return nil, err
	}
	if _, err := stream.Write(req); err != nil {
		stream.Close()
		conn.CloseWithError(0, "")
		return nil, err
	}
	resp, err := readResponseFrame(stream)
	if err != nil {
		stream.Close()
		conn.CloseWithError(0, "")
		return nil, err
	}
	ok, message, err := DecodeResponse(resp)
	if err != nil {
		stream.Close()
		conn.CloseWithError(0, "")
		return nil, err
	}
	if !ok {
		stream.Close()
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("hysteria2: server rejected request: %s", message)
	}
	return &tcpStream{stream: stream, conn: conn}, nil
}

// ConnectUDP opens a QUIC connection and relays packets as unreliable
// datagrams, the way Hysteria2's UDP-over-QUIC-datagram mode works — no
// per-packet handshake, since the datagram carries its own session id
// implicitly via the QUIC connection itself in this single-flow-per-conn
// design.
func (h *Handler) ConnectUDP(ctx context.Context, s *session.Session) (session.UdpTransport, error) {
	conn, stream, err := transport.DialQUIC(ctx, h.server, h.quicOptions())
	if err != nil {
		return nil, err
	}
	req, err := EncodeRequest(s.Target.String())
	if err != nil {
		stream.Close()
		conn.CloseWithError(0, "")
		return nil, err
	}
	if _, err := stream.Write(req); err != nil {
		stream.Close()
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &udpTransport{conn: conn, stream: stream, target: s.Target}, nil
}

// readResponseFrame reads a response frame off stream one varint step at a
// time, since the response's total length isn't known up front.
func readResponseFrame(r io.Reader) ([]byte, error) {
	status := make([]byte, 1)
	if _, err := io.ReadFull(r, status); err != nil {
		return nil, err
	}
	msgLen, err := readFrameVarint(r)
	if err != nil {
		return nil, err
	}
	message := make([]byte, msgLen)
	if _, err := io.ReadFull(r, message); err != nil {
		return nil, err
	}
	padLen, err := readFrameVarint(r)
	if err != nil {
		return nil, err
	}
	pad := make([]byte, padLen)
	if _, err := io.ReadFull(r, pad); err != nil {
		return nil, err
	}
	buf := append([]byte{}, status...)
	buf = putVarint(buf, msgLen)
	buf = append(buf, message...)
	buf = putVarint(buf, padLen)
	buf = append(buf, pad...)
	return buf, nil
}

// readFrameVarint reads one QUIC-style varint directly off a stream, one
// length-prefix byte at a time (the stream offers no lookahead).
func readFrameVarint(r io.Reader) (uint64, error) {
	first := make([]byte, 1)
	if _, err := io.ReadFull(r, first); err != nil {
		return 0, err
	}
	length := 1 << (first[0] >> 6)
	rest := make([]byte, length-1)
	if length > 1 {
		if _, err := io.ReadFull(r, rest); err != nil {
			return 0, err
		}
	}
	full := append(first, rest...)
	v, _, err := readVarint(full)
	return v, err
}

// tcpStream adapts a QUIC bidirectional stream plus its owning connection
// to session.ByteStream; Close tears down the whole connection since this
// core opens one QUIC connection per flow rather than multiplexing.
type tcpStream struct {
	stream quic.Stream
	conn   quic.Connection
}

func (t *tcpStream) Read(p []byte) (int, error)  { return t.stream.Read(p) }
func (t *tcpStream) Write(p []byte) (int, error) { return t.stream.Write(p) }
func (t *tcpStream) CloseWrite() error           { return t.stream.Close() }
func (t *tcpStream) Close() error {
	t.stream.Close()
	return t.conn.CloseWithError(0, "")
}

// udpTransport relays Packets as QUIC unreliable datagrams.
type udpTransport struct {
	conn   quic.Connection
	stream quic.Stream
	target addr.Address
}

func (u *udpTransport) Send(p session.Packet) error {
	return transport.SendDatagram(u.conn, p.Data)
}

func (u *udpTransport) Recv() (session.Packet, error) {
	data, err := transport.ReceiveDatagram(context.Background(), u.conn)
	if err != nil {
		return session.Packet{}, err
	}
	return session.Packet{Addr: u.target, Data: data}, nil
}

func (u *udpTransport) Close() error {
	u.stream.Close()
	return u.conn.CloseWithError(0, "")
}
