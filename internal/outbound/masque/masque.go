package masque

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"proxykernel/internal/addr"
	"proxykernel/internal/netstack"
	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
	"proxykernel/internal/transport"
)

func init() {
	outbound.Register("masque", build)
}

// Handler establishes one CONNECT-IP tunnel per outbound instance: a QUIC
// connection to the MASQUE proxy, route advertisement, and a shared
// internal/netstack.Stack bridging the tunneled IP packets to ordinary
// TCP/UDP dialing, the same shape the WireGuard outbound uses.
type Handler struct {
	tag      string
	server   string
	sni      string
	insecure bool
	local    netip.Addr

	mu      sync.Mutex
	stack   *netstack.Stack
	conn    quicConnection
	started bool
}

// quicConnection is the subset of quic.Connection this package needs,
// named locally so masque.go doesn't have to import quic-go's type for
// every field.
type quicConnection interface {
	SendDatagram([]byte) error
	ReceiveDatagram(context.Context) ([]byte, error)
	CloseWithError(code uint64, msg string) error
}

func build(tag string, settings map[string]any, deps outbound.Deps) (outbound.Handler, error) {
	server, _ := settings["server"].(string)
	if server == "" {
		return nil, fmt.Errorf("masque %q: missing server", tag)
	}
	sni, _ := settings["sni"].(string)
	if sni == "" {
		sni = DefaultConnectSNI
	}
	insecure, _ := settings["insecure"].(bool)
	localStr, _ := settings["local_address"].(string)
	if localStr == "" {
		localStr = "172.16.0.3"
	}
	local, err := netip.ParseAddr(localStr)
	if err != nil {
		return nil, fmt.Errorf("masque %q: invalid local_address: %w", tag, err)
	}
	return &Handler{
		tag:      tag,
		server:   server,
		sni:      sni,
		insecure: insecure,
		local:    local,
	}, nil
}

func (h *Handler) Tag() string { return h.tag }

func (h *Handler) Connect(ctx context.Context, s *session.Session) (session.ByteStream, error) {
	st, err := h.ensureTunnel(ctx)
	if err != nil {
		return nil, err
	}
	ip, err := resolveIP(s.Target)
	if err != nil {
		return nil, err
	}
	conn, err := st.DialTCP(ctx, ip, s.Target.Port)
	if err != nil {
		return nil, err
	}
	return tcpStream{conn}, nil
}

func (h *Handler) ConnectUDP(ctx context.Context, s *session.Session) (session.UdpTransport, error) {
	st, err := h.ensureTunnel(ctx)
	if err != nil {
		return nil, err
	}
	ip, err := resolveIP(s.Target)
	if err != nil {
		return nil, err
	}
	conn, err := st.DialUDP(ip, s.Target.Port)
	if err != nil {
		return nil, err
	}
	return &udpTransport{conn: conn, target: s.Target}, nil
}

// resolveIP mirrors the WireGuard outbound's requirement: a tunnel can only
// dial IPs reachable inside the tunnel, so domain resolution must already
// have happened upstream (internal/dnsresolver).
func resolveIP(a addr.Address) (netip.Addr, error) {
	if !a.IsDomain() {
		return a.IP, nil
	}
	return netip.Addr{}, fmt.Errorf("masque: domain target %q requires upstream resolution before connect", a.Domain)
}

// ensureTunnel dials the QUIC CONNECT-IP session once, sends the full-tunnel
// route advertisement, and starts the datagram pumps bridging the session
// to the virtual stack. Idempotent: later calls reuse the existing tunnel.
func (h *Handler) ensureTunnel(ctx context.Context) (*netstack.Stack, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return h.stack, nil
	}

	conn, _, err := transport.DialQUIC(ctx, h.server, transport.QUICOptions{
		ServerName: h.sni,
		ALPN:       []string{"h3"},
		Insecure:   h.insecure,
	})
	if err != nil {
		return nil, err
	}
	h.conn = conn

	advertisement := EncodeRouteAdvertisement([]IPRoute{AllIPv4(), AllIPv6()})
	if err := transport.SendDatagram(conn, EncodeIPDatagram(advertisement)); err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("masque: sending route advertisement: %w", err)
	}

	st, err := netstack.New(h.local)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("masque: constructing netstack: %w", err)
	}
	h.stack = st
	h.started = true

	go h.pumpInbound()
	go h.pumpOutbound()
	return st, nil
}

// pumpInbound reads CONNECT-IP datagrams off the QUIC connection, strips
// the context id, and injects the raw IP packets into the virtual stack.
func (h *Handler) pumpInbound() {
	ctx := context.Background()
	for {
		data, err := transport.ReceiveDatagram(ctx, h.conn)
		if err != nil {
			return
		}
		_, ipPacket, err := DecodeIPDatagram(data)
		if err != nil {
			continue
		}
		h.stack.WritePacket(ipPacket)
	}
}

// pumpOutbound drains packets the virtual stack wants to send through the
// tunnel and wraps them as CONNECT-IP datagrams.
func (h *Handler) pumpOutbound() {
	ctx := context.Background()
	for {
		pkt := h.stack.ReadPacket(ctx)
		if pkt == nil {
			return
		}
		if err := transport.SendDatagram(h.conn, EncodeIPDatagram(pkt)); err != nil {
			return
		}
	}
}

type tcpStream struct{ net.Conn }

func (t tcpStream) CloseWrite() error {
	if cw, ok := t.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return t.Conn.Close()
}

type udpTransport struct {
	conn   net.Conn
	target addr.Address
}

func (u *udpTransport) Send(p session.Packet) error {
	_, err := u.conn.Write(p.Data)
	return err
}

func (u *udpTransport) Recv() (session.Packet, error) {
	buf := make([]byte, 2048)
	n, err := u.conn.Read(buf)
	if err != nil {
		return session.Packet{}, err
	}
	return session.Packet{Addr: u.target, Data: buf[:n]}, nil
}

func (u *udpTransport) Close() error { return u.conn.Close() }
