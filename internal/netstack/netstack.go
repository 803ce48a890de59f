// Package netstack bridges a raw IP-packet tunnel (WireGuard's encrypted
// UDP transport, a MASQUE CONNECT-IP session, or a real TUN device) to
// ordinary net.Conn dialing, the way sing-box's StackDevice and
// wireguard-go's netstack adapter do it: a channel-backed virtual NIC
// stands in for the kernel network stack, packets injected on one side
// surface as TCP/UDP sockets on the other.
package netstack

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const nicID = tcpip.NICID(1)

// DefaultMTU matches WireGuard's usual tunnel MTU, smaller than Ethernet's
// 1500 to leave room for the outer UDP/AEAD overhead.
const DefaultMTU = 1420

// Stack is a user-space TCP/IP stack fed by raw IP packets on one side and
// exposing regular Go dialing on the other. One Stack backs one tunnel
// (one WireGuard peer, one MASQUE session, or one TUN fd).
type Stack struct {
	ep *channel.Endpoint
	s  *stack.Stack
}

// New builds a Stack whose single NIC owns local.
func New(local netip.Addr) (*Stack, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	ep := channel.New(1024, DefaultMTU, "")
	if tcpErr := s.CreateNIC(nicID, ep); tcpErr != nil {
		return nil, fmt.Errorf("netstack: create nic: %s", tcpErr)
	}
	s.SetSpoofing(nicID, true)
	s.SetPromiscuousMode(nicID, true)

	proto := ipv4.ProtocolNumber
	if local.Is6() && !local.Is4In6() {
		proto = ipv6.ProtocolNumber
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          proto,
		AddressWithPrefix: tcpip.AddrFromSlice(local.AsSlice()).WithPrefix(),
	}
	if tcpErr := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); tcpErr != nil {
		return nil, fmt.Errorf("netstack: add address: %s", tcpErr)
	}
	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})
	return &Stack{ep: ep, s: s}, nil
}

// WritePacket injects one inbound raw IP packet (decrypted off a
// WireGuard/MASQUE tunnel, or read from a real TUN fd) into the stack.
func (n *Stack) WritePacket(data []byte) {
	if len(data) == 0 {
		return
	}
	proto := ipv4.ProtocolNumber
	if data[0]>>4 == 6 {
		proto = ipv6.ProtocolNumber
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), data...)),
	})
	n.ep.InjectInbound(proto, pkt)
	pkt.DecRef()
}

// ReadPacket blocks until the stack has a raw IP packet ready to leave
// through the tunnel (e.g. the SYN for a DialTCP'd connection), or ctx is
// done, in which case it returns nil.
func (n *Stack) ReadPacket(ctx context.Context) []byte {
	pkt := n.ep.ReadContext(ctx)
	if pkt == nil {
		return nil
	}
	defer pkt.DecRef()
	return pkt.ToView().AsSlice()
}

// DialTCP opens a TCP connection to ip:port through the virtual stack.
func (n *Stack) DialTCP(ctx context.Context, ip netip.Addr, port uint16) (net.Conn, error) {
	proto, fa := n.fullAddress(ip, port)
	return gonet.DialContextTCP(ctx, n.s, fa, proto)
}

// DialUDP opens a connected UDP "conn" to ip:port through the virtual stack.
func (n *Stack) DialUDP(ip netip.Addr, port uint16) (net.Conn, error) {
	proto, fa := n.fullAddress(ip, port)
	return gonet.DialUDP(n.s, nil, &fa, proto)
}

func (n *Stack) fullAddress(ip netip.Addr, port uint16) (tcpip.NetworkProtocolNumber, tcpip.FullAddress) {
	proto := tcpip.NetworkProtocolNumber(ipv4.ProtocolNumber)
	if ip.Is6() && !ip.Is4In6() {
		proto = ipv6.ProtocolNumber
	}
	return proto, tcpip.FullAddress{NIC: nicID, Addr: tcpip.AddrFromSlice(ip.AsSlice()), Port: port}
}

// Close tears down the stack and its NIC.
func (n *Stack) Close() { n.s.Close() }
