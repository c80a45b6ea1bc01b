// Package keyenc turns record field values into order-preserving byte
// slices so a plain B+tree (bbolt) can be used for primary keys, compound
// key paths, and secondary index ranges the way a real key-value store's
// native typed key ranges (spec.md §6) would be.
package keyenc

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Type tags disambiguate values of different Go types that land in the
// same key-path field across records (the engine's Record is untyped,
// map[string]any, so a field is not statically guaranteed to be one type).
const (
	tagString byte = 1
	tagNumber byte = 2
	tagBool   byte = 3
	tagTime   byte = 4
	tagNull   byte = 0
)

// Part encodes a single scalar key-path or index field value.
func Part(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte{tagNull}, nil
	case string:
		return append([]byte{tagString}, []byte(val)...), nil
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return []byte{tagBool, b}, nil
	case time.Time:
		return append([]byte{tagTime}, encodeInt64(val.UnixNano())...), nil
	case int:
		return append([]byte{tagNumber}, encodeFloat64(float64(val))...), nil
	case int64:
		return append([]byte{tagNumber}, encodeFloat64(float64(val))...), nil
	case float64:
		return append([]byte{tagNumber}, encodeFloat64(val)...), nil
	case float32:
		return append([]byte{tagNumber}, encodeFloat64(float64(val))...), nil
	default:
		return nil, fmt.Errorf("keyenc: unsupported key part type %T", v)
	}
}

// Tuple encodes an ordered list of key-path fields into a single unambiguous
// byte slice, length-prefixing every element so component boundaries never
// collide (used for compound key paths and compound index keys).
func Tuple(parts []any) ([]byte, error) {
	out := make([]byte, 0, 16*len(parts))
	for _, p := range parts {
		enc, err := Part(p)
		if err != nil {
			return nil, err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(enc)))
		out = append(out, lenBuf[:]...)
		out = append(out, enc...)
	}
	return out, nil
}

// EncodeKey encodes a key-path or index key made of one or more fields.
// A single field is encoded with Part alone so its byte ordering stays
// directly comparable (needed for index range scans); two or more fields
// fall back to Tuple, which is unambiguous but not meaningfully
// range-comparable across the whole compound value.
func EncodeKey(parts []any) ([]byte, error) {
	if len(parts) == 1 {
		return Part(parts[0])
	}
	return Tuple(parts)
}

// encodeFloat64 produces a big-endian 8-byte encoding whose unsigned byte
// ordering matches the IEEE-754 float ordering: flip the sign bit for
// non-negatives, invert every bit for negatives.
func encodeFloat64(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

// encodeInt64 maps the signed range onto an unsigned range that preserves
// ordering (flip the sign bit).
func encodeInt64(i int64) []byte {
	u := uint64(i) ^ (uint64(1) << 63)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, u)
	return buf
}
