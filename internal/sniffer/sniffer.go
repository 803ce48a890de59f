// Package sniffer classifies a session's application protocol from its
// first bytes without consuming them. DetectTCP and DetectUDP are pure
// functions over a byte slice: no sockets, no timers — the caller (the dispatcher) owns
// the peek-with-deadline I/O and passes in whatever bytes it collected.
package sniffer

import (
	"encoding/binary"
	"strings"
)

// Protocol is the closed set of detectable application protocols.
type Protocol string

const (
	TLS        Protocol = "tls"
	HTTP       Protocol = "http"
	QUIC       Protocol = "quic"
	DNS        Protocol = "dns"
	BitTorrent Protocol = "bittorrent"
	NTP        Protocol = "ntp"
)

// Result is what Detect returns on a match.
type Result struct {
	Protocol Protocol
	// Host is the extracted SNI (tls) or Host header (http), used by the
	// dispatcher to rewrite session.target. Empty for protocols with no
	// host-rewrite semantics.
	Host string
}

var bittorrentMagic = []byte("\x13BitTorrent protocol")

// DetectTCP classifies a TCP-oriented byte prefix as tls, http, or
// bittorrent. Returns (Result{}, false) on no match.
func DetectTCP(peek []byte) (Result, bool) {
	if r, ok := detectTLS(peek); ok {
		return r, true
	}
	if r, ok := detectHTTP(peek); ok {
		return r, true
	}
	if r, ok := detectBitTorrent(peek); ok {
		return r, true
	}
	return Result{}, false
}

// DetectUDP classifies a UDP datagram prefix as quic, dns, or ntp.
func DetectUDP(peek []byte) (Result, bool) {
	if r, ok := detectQUIC(peek); ok {
		return r, true
	}
	if r, ok := detectDNS(peek); ok {
		return r, true
	}
	if r, ok := detectNTP(peek); ok {
		return r, true
	}
	return Result{}, false
}

func detectBitTorrent(peek []byte) (Result, bool) {
	if len(peek) < len(bittorrentMagic) {
		return Result{}, false
	}
	for i, b := range bittorrentMagic {
		if peek[i] != b {
			return Result{}, false
		}
	}
	return Result{Protocol: BitTorrent}, true
}

// detectTLS recognizes a plausible TLS record layer header (content type
// handshake = 0x16, a 2-byte legacy version, a 2-byte record length) and,
// if a full ClientHello is present, extracts the SNI extension.
func detectTLS(peek []byte) (Result, bool) {
	if len(peek) < 5 || peek[0] != 0x16 {
		return Result{}, false
	}
	major, minor := peek[1], peek[2]
	if major != 0x03 {
		return Result{}, false
	}
	_ = minor
	recordLen := int(binary.BigEndian.Uint16(peek[3:5]))
	if recordLen <= 0 || recordLen > 1<<16 {
		return Result{}, false
	}
	host, _ := extractSNI(peek[5:])
	return Result{Protocol: TLS, Host: host}, true
}

// extractSNI parses a (partial) TLS handshake body looking for the
// ClientHello's SNI extension. Tolerant of truncated input: returns
// whatever it can parse, ok=false if the handshake type isn't ClientHello
// or the buffer is too short to reach the extensions block.
func extractSNI(body []byte) (string, bool) {
	if len(body) < 4 || body[0] != 0x01 { // handshake type: client_hello
		return "", false
	}
	pos := 4 // handshake header: type(1) + length(3)
	pos += 2 // client_version
	pos += 32 // random
	if pos >= len(body) {
		return "", false
	}
	sessIDLen := int(body[pos])
	pos += 1 + sessIDLen
	if pos+2 > len(body) {
		return "", false
	}
	cipherSuitesLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2 + cipherSuitesLen
	if pos+1 > len(body) {
		return "", false
	}
	compLen := int(body[pos])
	pos += 1 + compLen
	if pos+2 > len(body) {
		return "", false
	}
	extLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	end := pos + extLen
	if end > len(body) {
		end = len(body)
	}
	for pos+4 <= end {
		extType := binary.BigEndian.Uint16(body[pos : pos+2])
		l := int(binary.BigEndian.Uint16(body[pos+2 : pos+4]))
		pos += 4
		if pos+l > len(body) {
			return "", false
		}
		if extType == 0x0000 { // server_name
			return parseServerNameExtension(body[pos : pos+l])
		}
		pos += l
	}
	return "", false
}

func parseServerNameExtension(ext []byte) (string, bool) {
	if len(ext) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(ext[0:2]))
	pos := 2
	end := pos + listLen
	if end > len(ext) {
		end = len(ext)
	}
	for pos+3 <= end {
		nameType := ext[pos]
		nameLen := int(binary.BigEndian.Uint16(ext[pos+1 : pos+3]))
		pos += 3
		if pos+nameLen > len(ext) {
			return "", false
		}
		if nameType == 0x00 { // host_name
			return string(ext[pos : pos+nameLen]), true
		}
		pos += nameLen
	}
	return "", false
}

var httpMethods = []string{
	"GET ", "POST ", "PUT ", "HEAD ", "DELETE ", "OPTIONS ", "PATCH ", "CONNECT ", "TRACE ",
}

func detectHTTP(peek []byte) (Result, bool) {
	s := string(peek)
	matched := false
	for _, m := range httpMethods {
		if strings.HasPrefix(s, m) {
			matched = true
			break
		}
	}
	if !matched {
		return Result{}, false
	}
	host := extractHostHeader(s)
	return Result{Protocol: HTTP, Host: host}, true
}

func extractHostHeader(request string) string {
	lines := strings.Split(request, "\r\n")
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		const prefix = "host:"
		if len(line) > len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
			host := strings.TrimSpace(line[len(prefix):])
			if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
				host = host[:i]
			}
			return host
		}
	}
	return ""
}

// detectQUIC recognizes a QUIC long-header Initial packet: the Fixed Bit
// (0x40) and Long Header Form (0x80) set in the first byte.
func detectQUIC(peek []byte) (Result, bool) {
	if len(peek) < 1 {
		return Result{}, false
	}
	b := peek[0]
	if b&0xC0 != 0xC0 {
		return Result{}, false
	}
	return Result{Protocol: QUIC}, true
}

// detectDNS parses a plausible DNS header: a QDCOUNT between 1 and 16 and
// an opcode of at most 5. ANCOUNT is not checked.
func detectDNS(peek []byte) (Result, bool) {
	if len(peek) < 12 {
		return Result{}, false
	}
	opcode := (peek[2] >> 3) & 0x0F
	if opcode > 5 {
		return Result{}, false
	}
	qdcount := binary.BigEndian.Uint16(peek[4:6])
	if qdcount == 0 || qdcount > 16 {
		return Result{}, false
	}
	return Result{Protocol: DNS}, true
}

// detectNTP recognizes a 48-byte NTP packet with a plausible LI/VN/Mode
// byte (VN in {3, 4}).
func detectNTP(peek []byte) (Result, bool) {
	if len(peek) != 48 {
		return Result{}, false
	}
	vn := (peek[0] >> 3) & 0x07
	if vn != 3 && vn != 4 {
		return Result{}, false
	}
	return Result{Protocol: NTP}, true
}
