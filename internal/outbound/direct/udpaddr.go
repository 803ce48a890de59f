package direct

import (
	"net"
	"net/netip"

	"proxykernel/internal/addr"
)

func addrFromUDP(ua *net.UDPAddr) (addr.Address, error) {
	ip, ok := netip.AddrFromSlice(ua.IP)
	if !ok {
		return addr.Address{}, net.InvalidAddrError("invalid UDP address")
	}
	return addr.NewIP(ip.Unmap(), uint16(ua.Port))
}
