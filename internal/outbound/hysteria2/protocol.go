// Package hysteria2 implements the Hysteria2 outbound: a QUIC connection
// per flow, carrying a TCP-like request/response handshake on its stream.
// A Brutal congestion-control rate is computed (brutal.go) but is not sent
// to the server.
package hysteria2

import (
	"crypto/rand"
	"fmt"
)

// requestID is the fixed varint tag opening every Hysteria2 TCP request,
// per spec §4.4.5.
const requestID = 0x401

const (
	statusOK uint8 = 0
)

// putVarint appends a QUIC-style variable-length integer: the top two bits
// of the first byte select a 1/2/4/8-byte encoding.
func putVarint(buf []byte, v uint64) []byte {
	switch {
	case v <= 0x3f:
		return append(buf, byte(v))
	case v <= 0x3fff:
		return append(buf, byte(v>>8)|0x40, byte(v))
	case v <= 0x3fffffff:
		return append(buf, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(buf,
			byte(v>>56)|0xc0, byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// readVarint decodes one QUIC-style varint from the front of buf, returning
// the value and the number of bytes consumed.
func readVarint(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, fmt.Errorf("hysteria2: empty varint")
	}
	length := 1 << (buf[0] >> 6)
	if len(buf) < length {
		return 0, 0, fmt.Errorf("hysteria2: truncated varint")
	}
	v := uint64(buf[0] & 0x3f)
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v, length, nil
}

func varintLen(v uint64) int {
	switch {
	case v <= 0x3f:
		return 1
	case v <= 0x3fff:
		return 2
	case v <= 0x3fffffff:
		return 4
	default:
		return 8
	}
}

// EncodeRequest builds a Hysteria2 TCP request frame:
// [varint 0x401][varint addr-len][addr bytes "host:port"][varint pad-len][pad].
// Random padding length and content match the reference client's traffic
// shaping against length-based fingerprinting.
func EncodeRequest(addrStr string) ([]byte, error) {
	padLen, err := randomPadLen()
	if err != nil {
		return nil, err
	}
	pad := make([]byte, padLen)
	if _, err := rand.Read(pad); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, varintLen(requestID)+varintLen(uint64(len(addrStr)))+len(addrStr)+varintLen(uint64(padLen))+padLen)
	buf = putVarint(buf, requestID)
	buf = putVarint(buf, uint64(len(addrStr)))
	buf = append(buf, addrStr...)
	buf = putVarint(buf, uint64(padLen))
	buf = append(buf, pad...)
	return buf, nil
}

// randomPadLen picks a small padding length in [0, 256) the way the
// reference client randomizes its request size.
func randomPadLen() (int, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int(b[0]), nil
}

// DecodeRequest parses the frame EncodeRequest produces, returning the
// requested address string. Used by a Hysteria2 inbound/server reading a
// client's request.
func DecodeRequest(data []byte) (string, error) {
	id, n, err := readVarint(data)
	if err != nil {
		return "", err
	}
	if id != requestID {
		return "", fmt.Errorf("hysteria2: unexpected request id %#x", id)
	}
	data = data[n:]
	addrLen, n, err := readVarint(data)
	if err != nil {
		return "", err
	}
	data = data[n:]
	if uint64(len(data)) < addrLen {
		return "", fmt.Errorf("hysteria2: truncated address")
	}
	return string(data[:addrLen]), nil
}

// EncodeResponse builds a Hysteria2 TCP response frame:
// [1B status][varint msg-len][msg][varint pad-len][pad].
func EncodeResponse(ok bool, message string) ([]byte, error) {
	status := statusOK
	if !ok {
		status = 1
	}
	padLen, err := randomPadLen()
	if err != nil {
		return nil, err
	}
	pad := make([]byte, padLen)
	if _, err := rand.Read(pad); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+varintLen(uint64(len(message)))+len(message)+varintLen(uint64(padLen))+padLen)
	buf = append(buf, status)
	buf = putVarint(buf, uint64(len(message)))
	buf = append(buf, message...)
	buf = putVarint(buf, uint64(padLen))
	buf = append(buf, pad...)
	return buf, nil
}

// DecodeResponse parses a response frame, returning whether the server
// accepted the request and its message (an error string when it didn't).
func DecodeResponse(data []byte) (ok bool, message string, err error) {
	if len(data) < 1 {
		return false, "", fmt.Errorf("hysteria2: empty response")
	}
	status := data[0]
	data = data[1:]
	msgLen, n, err := readVarint(data)
	if err != nil {
		return false, "", err
	}
	data = data[n:]
	if uint64(len(data)) < msgLen {
		return false, "", fmt.Errorf("hysteria2: truncated response message")
	}
	return status == statusOK, string(data[:msgLen]), nil
}
