package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Value tags. Each encoded value begins with one of these bytes.
const (
	tagNil byte = iota
	tagFalse
	tagTrue
	tagInt
	tagFloat
	tagString
	tagArray
	tagMap
)

// maxCollectionLen bounds array/map element counts decoded from a single
// value, independent of the connection's frame buffer cap: it stops a
// malformed length prefix from driving an enormous allocation before the
// buffer-cap check would otherwise catch it.
const maxCollectionLen = 1 << 20

// Value is the dynamic type carried by request params and response
// results: nil, bool, int64, float64, string, []Value, or map[string]Value.
// Result values are normalized into this shape before encoding (spec
// §4.4): enums/atoms become strings, tuples become arrays, non-string map
// keys become stringified keys.
type Value = interface{}

func encodeValue(buf []byte, v Value) []byte {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNil)
	case bool:
		if x {
			return append(buf, tagTrue)
		}
		return append(buf, tagFalse)
	case int:
		return encodeInt(buf, int64(x))
	case int64:
		return encodeInt(buf, x)
	case float64:
		return encodeFloat(buf, x)
	case string:
		return encodeString(buf, x)
	case []Value:
		buf = append(buf, tagArray)
		buf = appendU32(buf, uint32(len(x)))
		for _, e := range x {
			buf = encodeValue(buf, e)
		}
		return buf
	case []string:
		buf = append(buf, tagArray)
		buf = appendU32(buf, uint32(len(x)))
		for _, e := range x {
			buf = encodeString(buf, e)
		}
		return buf
	case map[string]Value:
		buf = append(buf, tagMap)
		buf = appendU32(buf, uint32(len(x)))
		for k, e := range x {
			buf = encodeString(buf, k)
			buf = encodeValue(buf, e)
		}
		return buf
	default:
		// Binary-unsafe or unrecognized Go type: normalize to its string
		// form rather than let it escape the codec (spec §4.4 "value
		// encoding" re-normalization rule).
		return encodeString(buf, fmt.Sprintf("%v", x))
	}
}

func encodeInt(buf []byte, n int64) []byte {
	buf = append(buf, tagInt)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(n))
	return append(buf, tmp[:]...)
}

func encodeFloat(buf []byte, f float64) []byte {
	buf = append(buf, tagFloat)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
	return append(buf, tmp[:]...)
}

func encodeString(buf []byte, s string) []byte {
	buf = append(buf, tagString)
	buf = appendU32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendU32(buf []byte, n uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], n)
	return append(buf, tmp[:]...)
}

// decodeValue decodes one Value starting at b[0]. It returns the decoded
// value and the number of bytes consumed, or an error if b is truncated
// or malformed.
func decodeValue(b []byte) (Value, int, error) {
	if len(b) < 1 {
		return nil, 0, errShortBuffer
	}
	tag := b[0]
	rest := b[1:]
	switch tag {
	case tagNil:
		return nil, 1, nil
	case tagFalse:
		return false, 1, nil
	case tagTrue:
		return true, 1, nil
	case tagInt:
		if len(rest) < 8 {
			return nil, 0, errShortBuffer
		}
		n := int64(binary.BigEndian.Uint64(rest[:8]))
		return n, 9, nil
	case tagFloat:
		if len(rest) < 8 {
			return nil, 0, errShortBuffer
		}
		f := math.Float64frombits(binary.BigEndian.Uint64(rest[:8]))
		return f, 9, nil
	case tagString:
		n, ln, err := readU32(rest)
		if err != nil {
			return nil, 0, err
		}
		rest = rest[ln:]
		if uint32(len(rest)) < n {
			return nil, 0, errShortBuffer
		}
		s := string(rest[:n])
		return s, 1 + ln + int(n), nil
	case tagArray:
		n, ln, err := readU32(rest)
		if err != nil {
			return nil, 0, err
		}
		if n > maxCollectionLen {
			return nil, 0, fmt.Errorf("%w: array length %d exceeds limit", errMalformed, n)
		}
		rest = rest[ln:]
		consumed := 1 + ln
		arr := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			v, c, err := decodeValue(rest)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, v)
			rest = rest[c:]
			consumed += c
		}
		return arr, consumed, nil
	case tagMap:
		n, ln, err := readU32(rest)
		if err != nil {
			return nil, 0, err
		}
		if n > maxCollectionLen {
			return nil, 0, fmt.Errorf("%w: map length %d exceeds limit", errMalformed, n)
		}
		rest = rest[ln:]
		consumed := 1 + ln
		m := make(map[string]Value, n)
		for i := uint32(0); i < n; i++ {
			kv, kc, err := decodeValue(rest)
			if err != nil {
				return nil, 0, err
			}
			key, ok := kv.(string)
			if !ok {
				return nil, 0, fmt.Errorf("%w: map key is not a string", errMalformed)
			}
			rest = rest[kc:]
			consumed += kc
			v, vc, err := decodeValue(rest)
			if err != nil {
				return nil, 0, err
			}
			m[key] = v
			rest = rest[vc:]
			consumed += vc
		}
		return m, consumed, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown value tag 0x%02x", errMalformed, tag)
	}
}

func readU32(b []byte) (uint32, int, error) {
	if len(b) < 4 {
		return 0, 0, errShortBuffer
	}
	return binary.BigEndian.Uint32(b[:4]), 4, nil
}
