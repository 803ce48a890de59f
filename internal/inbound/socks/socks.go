// Package socks implements a mixed SOCKS5/HTTP-CONNECT inbound listener:
// it accepts raw TCP connections, peeks the first byte to tell a SOCKS5
// greeting (0x05) from an HTTP request line, completes whichever handshake
// applies, builds a session.Session, and hands the accepted stream to a
// caller-supplied dispatch function — the same shape the mixed inbound in
// spec.md §8 scenario 1 describes.
package socks

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/netip"

	"proxykernel/internal/addr"
	"proxykernel/internal/session"
)

const (
	socksVersion byte = 0x05

	cmdConnect byte = 0x01

	atypIPv4   byte = 0x01
	atypDomain byte = 0x03
	atypIPv6   byte = 0x04
)

// DispatchFunc is the hook the dispatcher registers: given the accepted
// stream and the built session, run the session to completion.
type DispatchFunc func(ctx context.Context, stream session.ByteStream, sess *session.Session)

// Listener accepts connections on one TCP address and feeds each one
// through a SOCKS5 or HTTP CONNECT handshake before dispatch.
type Listener struct {
	Tag      string
	Sniff    bool
	Dispatch DispatchFunc
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		conn.Close()
		return
	}

	var target addr.Address
	var network addr.Network = addr.TCP
	if first[0] == socksVersion {
		target, err = handshakeSOCKS5(br, conn)
	} else {
		target, err = handshakeHTTPConnect(br, conn)
	}
	if err != nil {
		conn.Close()
		return
	}

	srcAddr, hasSource := netip.AddrPort{}, false
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if ip, ok := netip.AddrFromSlice(tcpAddr.IP); ok {
			srcAddr = netip.AddrPortFrom(ip.Unmap(), uint16(tcpAddr.Port))
			hasSource = true
		}
	}

	sess := &session.Session{
		Target:     target,
		Source:     srcAddr,
		HasSource:  hasSource,
		InboundTag: l.Tag,
		Network:    network,
		Sniff:      l.Sniff,
	}
	l.Dispatch(ctx, &bufferedStream{Conn: conn, r: br}, sess)
}

// handshakeSOCKS5 performs the greeting and CONNECT subset of RFC 1928:
// client sends [05 nmethods methods...], server replies [05 00] (no-auth),
// client sends [05 01 00 atyp addr port], server replies [05 00 00 01 0 0 0 0 0 0].
func handshakeSOCKS5(br *bufio.Reader, conn net.Conn) (addr.Address, error) {
	hdr := make([]byte, 2)
	if _, err := readFull(br, hdr); err != nil {
		return addr.Address{}, err
	}
	nmethods := int(hdr[1])
	if _, err := readFull(br, make([]byte, nmethods)); err != nil {
		return addr.Address{}, err
	}
	if _, err := conn.Write([]byte{socksVersion, 0x00}); err != nil {
		return addr.Address{}, err
	}

	reqHdr := make([]byte, 4)
	if _, err := readFull(br, reqHdr); err != nil {
		return addr.Address{}, err
	}
	if reqHdr[0] != socksVersion {
		return addr.Address{}, fmt.Errorf("socks: bad version %d", reqHdr[0])
	}
	if reqHdr[1] != cmdConnect {
		return addr.Address{}, fmt.Errorf("socks: unsupported command %d", reqHdr[1])
	}
	target, err := readSOCKSAddr(br, reqHdr[3])
	if err != nil {
		return addr.Address{}, err
	}

	reply := []byte{socksVersion, 0x00, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(reply); err != nil {
		return addr.Address{}, err
	}
	return target, nil
}

func readSOCKSAddr(br *bufio.Reader, atyp byte) (addr.Address, error) {
	var host string
	switch atyp {
	case atypIPv4:
		b := make([]byte, 4)
		if _, err := readFull(br, b); err != nil {
			return addr.Address{}, err
		}
		host = netip.AddrFrom4([4]byte(b)).String()
	case atypIPv6:
		b := make([]byte, 16)
		if _, err := readFull(br, b); err != nil {
			return addr.Address{}, err
		}
		host = netip.AddrFrom16([16]byte(b)).String()
	case atypDomain:
		lb := make([]byte, 1)
		if _, err := readFull(br, lb); err != nil {
			return addr.Address{}, err
		}
		d := make([]byte, int(lb[0]))
		if _, err := readFull(br, d); err != nil {
			return addr.Address{}, err
		}
		host = string(d)
	default:
		return addr.Address{}, fmt.Errorf("socks: unknown addr type %d", atyp)
	}
	portBuf := make([]byte, 2)
	if _, err := readFull(br, portBuf); err != nil {
		return addr.Address{}, err
	}
	port := binary.BigEndian.Uint16(portBuf)
	if ip, err := netip.ParseAddr(host); err == nil {
		return addr.NewIP(ip, port)
	}
	return addr.NewDomain(host, port)
}

// handshakeHTTPConnect reads one HTTP CONNECT request line and replies 200.
func handshakeHTTPConnect(br *bufio.Reader, conn net.Conn) (addr.Address, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return addr.Address{}, err
	}
	if req.Method != http.MethodConnect {
		return addr.Address{}, fmt.Errorf("socks: mixed inbound only supports CONNECT, got %s", req.Method)
	}
	host, portStr, err := net.SplitHostPort(req.Host)
	if err != nil {
		return addr.Address{}, err
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return addr.Address{}, err
	}
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return addr.Address{}, err
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return addr.NewIP(ip, port)
	}
	return addr.NewDomain(host, port)
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := br.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// bufferedStream wraps the accepted net.Conn so bytes already buffered by
// the handshake's bufio.Reader are drained before falling through to the
// raw socket, the same pattern the dispatcher uses for its sniff peek.
type bufferedStream struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedStream) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *bufferedStream) CloseWrite() error {
	if cw, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return b.Conn.Close()
}
