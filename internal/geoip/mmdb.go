// Package geoip reads MaxMind DB (.mmdb) binary databases for the
// router's geoip/geosite rule kinds. The format is documented publicly
// (maxmind-db project); this reader implements just enough of it —
// metadata lookup, the binary search tree, and the data-section decoder
// for the handful of value types a Country/ASN database actually uses —
// using only the standard library, per the wire-format note in the
// external-interfaces section.
package geoip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"os"
)

var metadataMarker = []byte("\xab\xcd\xefMaxMind.com")

// DB is an opened, fully in-memory MaxMind DB.
type DB struct {
	raw           []byte
	dataSection   []byte
	nodeCount     int
	recordSize    int
	searchTreeLen int
	ipVersion     int
}

// Open reads and parses path into a DB.
func Open(path string) (*DB, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: reading %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a DB from an already-loaded .mmdb file's bytes.
func Parse(raw []byte) (*DB, error) {
	markerAt := bytes.LastIndex(raw, metadataMarker)
	if markerAt < 0 {
		return nil, errors.New("geoip: metadata marker not found, not a valid mmdb file")
	}
	metaBytes := raw[markerAt+len(metadataMarker):]
	dec := newDecoder(metaBytes)
	meta, _, err := dec.decode(0)
	if err != nil {
		return nil, fmt.Errorf("geoip: decoding metadata: %w", err)
	}
	metaMap, ok := meta.(map[string]any)
	if !ok {
		return nil, errors.New("geoip: metadata is not a map")
	}
	nodeCount, _ := toInt(metaMap["node_count"])
	recordSize, _ := toInt(metaMap["record_size"])
	ipVersion, _ := toInt(metaMap["ip_version"])
	if recordSize == 0 {
		recordSize = 28
	}
	if ipVersion == 0 {
		ipVersion = 6
	}
	searchTreeLen := (nodeCount * recordSize * 2) / 8
	if searchTreeLen+16 > len(raw) {
		return nil, errors.New("geoip: search tree length exceeds file size")
	}
	return &DB{
		raw:           raw,
		dataSection:   raw[searchTreeLen+16:],
		nodeCount:     nodeCount,
		recordSize:    recordSize,
		searchTreeLen: searchTreeLen,
		ipVersion:     ipVersion,
	}, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case uint64:
		return int(n), true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	}
	return 0, false
}

// readNode returns the left and right record values of tree node i.
func (d *DB) readNode(i int) (left, right uint32) {
	bitsPerRecord := d.recordSize
	byteOffset := i * bitsPerRecord * 2 / 8
	switch bitsPerRecord {
	case 24:
		b := d.raw[byteOffset : byteOffset+6]
		left = uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
		right = uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5])
	case 28:
		b := d.raw[byteOffset : byteOffset+7]
		left = uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
		left |= uint32(b[3]&0xF0) << 20
		right = uint32(b[3]&0x0F)<<24 | uint32(b[4])<<16 | uint32(b[5])<<8 | uint32(b[6])
	case 32:
		left = binary.BigEndian.Uint32(d.raw[byteOffset : byteOffset+4])
		right = binary.BigEndian.Uint32(d.raw[byteOffset+4 : byteOffset+8])
	}
	return left, right
}

// Lookup resolves ip to its decoded data value (typically a map with an
// ISO country code, etc.), or ok=false if the address is not present.
func (d *DB) Lookup(ip netip.Addr) (any, bool, error) {
	ip16 := ip.As16()
	bitOffset := 0
	if d.ipVersion == 4 && ip.Is4() {
		bitOffset = 96 // skip the ::ffff:0:0/96 prefix bits for an IPv4-mapped search
	}
	node := 0
	bits := ip16[:]
	for bitPos := bitOffset; bitPos < 128; bitPos++ {
		if node >= d.nodeCount {
			break
		}
		bit := (bits[bitPos/8] >> (7 - uint(bitPos%8))) & 1
		left, right := d.readNode(node)
		if bit == 0 {
			node = int(left)
		} else {
			node = int(right)
		}
	}
	if node == d.nodeCount {
		return nil, false, nil // no match
	}
	if node < d.nodeCount {
		return nil, false, errors.New("geoip: search terminated mid-tree, corrupt database")
	}
	offset := node - d.nodeCount - 16
	if offset < 0 || offset >= len(d.dataSection) {
		return nil, false, fmt.Errorf("geoip: data pointer %d out of range", offset)
	}
	dec := newDecoder(d.dataSection)
	v, _, err := dec.decode(offset)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// CountryISOCode is a convenience wrapper around Lookup for the common
// "country"/"iso_code" field shape used by GeoLite2-Country.
func (d *DB) CountryISOCode(ip netip.Addr) (string, bool) {
	v, ok, err := d.Lookup(ip)
	if err != nil || !ok {
		return "", false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	country, ok := m["country"].(map[string]any)
	if !ok {
		country, ok = m["registered_country"].(map[string]any)
		if !ok {
			return "", false
		}
	}
	code, ok := country["iso_code"].(string)
	return code, ok
}
