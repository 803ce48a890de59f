package geoip

import (
	"encoding/binary"
	"fmt"
	"math"
)

// decoder walks the MaxMind DB data section: a sequence of
// (control-byte, payload) tagged values, optionally chained through
// pointers back into the same section.
type decoder struct {
	data []byte
}

func newDecoder(data []byte) *decoder { return &decoder{data: data} }

const (
	typePointer = 1
	typeString  = 2
	typeDouble  = 3
	typeBytes   = 4
	typeUint16  = 5
	typeUint32  = 6
	typeMap     = 7
	typeInt32   = 8
	typeUint64  = 9
	typeUint128 = 10
	typeArray   = 11
	typeBoolean = 14
	typeFloat   = 15
)

// decode reads one value starting at offset, returning the value and the
// offset of the byte immediately following it.
func (d *decoder) decode(offset int) (any, int, error) {
	if offset < 0 || offset >= len(d.data) {
		return nil, offset, fmt.Errorf("geoip: decode offset %d out of range", offset)
	}
	ctrl := d.data[offset]
	typ := int(ctrl >> 5)
	offset++
	if typ == 0 {
		// Extended type: the next byte carries (type - 7).
		ext := d.data[offset]
		offset++
		typ = int(ext) + 7
	}
	size, offset, err := d.readSize(ctrl, offset)
	if err != nil {
		return nil, offset, err
	}
	switch typ {
	case typePointer:
		return d.decodePointer(ctrl, size, offset)
	case typeString:
		v := string(d.data[offset : offset+size])
		return v, offset + size, nil
	case typeBytes:
		v := append([]byte(nil), d.data[offset:offset+size]...)
		return v, offset + size, nil
	case typeDouble:
		bits := binary.BigEndian.Uint64(d.data[offset : offset+8])
		return math.Float64frombits(bits), offset + 8, nil
	case typeFloat:
		bits := binary.BigEndian.Uint32(d.data[offset : offset+4])
		return math.Float32frombits(bits), offset + 4, nil
	case typeUint16:
		return uint64(readUint(d.data[offset : offset+size])), offset + size, nil
	case typeUint32:
		return uint64(readUint(d.data[offset : offset+size])), offset + size, nil
	case typeUint64:
		return readUint(d.data[offset : offset+size]), offset + size, nil
	case typeUint128:
		// Rarely used (network masks); returned as raw bytes since no
		// standard-library 128-bit integer type exists.
		v := append([]byte(nil), d.data[offset:offset+size]...)
		return v, offset + size, nil
	case typeInt32:
		u := readUint(d.data[offset : offset+size])
		return int64(int32(u)), offset + size, nil
	case typeBoolean:
		return size != 0, offset, nil
	case typeMap:
		return d.decodeMap(size, offset)
	case typeArray:
		return d.decodeArray(size, offset)
	default:
		return nil, offset, fmt.Errorf("geoip: unknown data type %d", typ)
	}
}

func readUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// readSize decodes the 5-bit (or extended) size field from the control
// byte, returning the payload length and the offset past the size bytes.
func (d *decoder) readSize(ctrl byte, offset int) (int, int, error) {
	size := int(ctrl & 0x1F)
	if size < 29 {
		return size, offset, nil
	}
	switch size {
	case 29:
		size = 29 + int(d.data[offset])
		return size, offset + 1, nil
	case 30:
		size = 285 + int(binary.BigEndian.Uint16(d.data[offset:offset+2]))
		return size, offset + 2, nil
	default: // 31
		b := d.data[offset : offset+3]
		size = 65821 + int(uint32(b[0])<<16|uint32(b[1])<<8|uint32(b[2]))
		return size, offset + 3, nil
	}
}

// decodePointer resolves a pointer value and recursively decodes the
// value it points to; returns the decoded value and the offset just past
// the pointer bytes themselves (not the pointed-to value).
func (d *decoder) decodePointer(ctrl byte, size, offset int) (any, int, error) {
	pointerSize := (int(ctrl>>3) & 0x3) + 1
	var pointerValue int
	switch pointerSize {
	case 1:
		pointerValue = (int(ctrl&0x7) << 8) | int(d.data[offset])
		offset++
	case 2:
		pointerValue = (int(ctrl&0x7) << 16) | int(d.data[offset])<<8 | int(d.data[offset+1])
		pointerValue += 2048
		offset += 2
	case 3:
		pointerValue = (int(ctrl&0x7) << 24) | int(d.data[offset])<<16 | int(d.data[offset+1])<<8 | int(d.data[offset+2])
		pointerValue += 526336
		offset += 3
	default:
		pointerValue = int(binary.BigEndian.Uint32(d.data[offset : offset+4]))
		offset += 4
	}
	v, _, err := d.decode(pointerValue)
	return v, offset, err
}

func (d *decoder) decodeMap(count, offset int) (any, int, error) {
	m := make(map[string]any, count)
	for i := 0; i < count; i++ {
		var key any
		var err error
		key, offset, err = d.decode(offset)
		if err != nil {
			return nil, offset, err
		}
		ks, ok := key.(string)
		if !ok {
			return nil, offset, fmt.Errorf("geoip: map key is not a string: %T", key)
		}
		var val any
		val, offset, err = d.decode(offset)
		if err != nil {
			return nil, offset, err
		}
		m[ks] = val
	}
	return m, offset, nil
}

func (d *decoder) decodeArray(count, offset int) (any, int, error) {
	arr := make([]any, 0, count)
	for i := 0; i < count; i++ {
		var v any
		var err error
		v, offset, err = d.decode(offset)
		if err != nil {
			return nil, offset, err
		}
		arr = append(arr, v)
	}
	return arr, offset, nil
}
