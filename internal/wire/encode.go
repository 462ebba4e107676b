package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrUnsupportedType is returned when Encode is given a value outside the
// encodable set. Encode never returns partial output alongside it, so a
// caller can treat the whole message as unsendable via errors.Is.
var ErrUnsupportedType = errors.New("wire: unsupported type")

// Control bytes of the encoded-value format.
const (
	tagNil     = 0xc0
	tagFalse   = 0xc2
	tagTrue    = 0xc3
	tagBin8    = 0xc4
	tagBin16   = 0xc5
	tagBin32   = 0xc6
	tagFloat64 = 0xcb
	tagUint8   = 0xcc
	tagUint16  = 0xcd
	tagUint32  = 0xce
	tagStr8    = 0xd9
	tagStr16   = 0xda
	tagStr32   = 0xdb
	tagArr16   = 0xdc
	tagArr32   = 0xdd
	tagMap16   = 0xde
	tagMap32   = 0xdf

	tagFixstr   = 0xa0 // low 5 bits carry the length
	tagFixarray = 0x90 // low 4 bits carry the count
	tagFixmap   = 0x80 // low 4 bits carry the count
)

// Absent marks a Map field to be skipped entirely during encoding. A skipped
// field never reaches the wire, not even as nil; the service distinguishes
// "field omitted" from "field explicitly nil".
var Absent = absent{}

type absent struct{}

// Field is one key/value entry of a Map.
type Field struct {
	Key   string
	Value any
}

// Map is an ordered field list. Field order is preserved on the wire, so
// encoding the same Map twice yields byte-identical output.
type Map []Field

// Encode serializes v into the compact binary form sent to the inference
// service. Supported values: nil, bool, all integer and float kinds, string,
// []byte, []any, Map, and map[string]any (entries emitted in sorted key
// order). Inputs must be acyclic. Any other type fails with
// ErrUnsupportedType and a nil byte slice.
func Encode(v any) ([]byte, error) {
	buf, err := appendValue(nil, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// AppendEncode serializes v as Encode does, appending onto dst and returning
// the extended slice. On error dst comes back with its original length, so
// no partial output ever reaches a reused buffer.
func AppendEncode(dst []byte, v any) ([]byte, error) {
	out, err := appendValue(dst, v)
	if err != nil {
		return dst, err
	}
	return out, nil
}

func appendValue(dst []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(dst, tagNil), nil
	case bool:
		if x {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case int:
		return appendNumber(dst, float64(x)), nil
	case int8:
		return appendNumber(dst, float64(x)), nil
	case int16:
		return appendNumber(dst, float64(x)), nil
	case int32:
		return appendNumber(dst, float64(x)), nil
	case int64:
		return appendNumber(dst, float64(x)), nil
	case uint:
		return appendNumber(dst, float64(x)), nil
	case uint8:
		return appendNumber(dst, float64(x)), nil
	case uint16:
		return appendNumber(dst, float64(x)), nil
	case uint32:
		return appendNumber(dst, float64(x)), nil
	case uint64:
		return appendNumber(dst, float64(x)), nil
	case float32:
		return appendNumber(dst, float64(x)), nil
	case float64:
		return appendNumber(dst, x), nil
	case string:
		return appendString(dst, x)
	case []byte:
		return appendBinary(dst, x)
	case []any:
		return appendSequence(dst, x)
	case Map:
		return appendMap(dst, x)
	case map[string]any:
		return appendSortedMap(dst, x)
	default:
		return nil, fmt.Errorf("%w %T", ErrUnsupportedType, v)
	}
}

// appendNumber picks the narrowest wire form for f. Integral values in the
// unsigned 32-bit range use the compact integer forms; small negatives pack
// into a single byte; everything else travels as an IEEE-754 double.
// Integers beyond the double's 53-bit mantissa arrive here already rounded;
// the format has no wider integer form.
func appendNumber(dst []byte, f float64) []byte {
	if f == math.Trunc(f) {
		switch {
		case f >= 0 && f <= 127:
			return append(dst, byte(f))
		case f >= -32 && f <= -1:
			return append(dst, byte(int8(f)))
		case f >= 0 && f <= math.MaxUint8:
			return append(dst, tagUint8, byte(f))
		case f >= 0 && f <= math.MaxUint16:
			u := uint16(f)
			return append(dst, tagUint16, byte(u>>8), byte(u))
		case f >= 0 && f <= math.MaxUint32:
			dst = append(dst, tagUint32)
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(f))
			return append(dst, b[:]...)
		}
	}
	dst = append(dst, tagFloat64)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	return append(dst, b[:]...)
}

func appendString(dst []byte, s string) ([]byte, error) {
	n := len(s)
	switch {
	case n <= 31:
		dst = append(dst, tagFixstr|byte(n))
	case n <= math.MaxUint8:
		dst = append(dst, tagStr8, byte(n))
	case n <= math.MaxUint16:
		dst = append(dst, tagStr16, byte(n>>8), byte(n))
	case int64(n) <= math.MaxUint32:
		dst = append(dst, tagStr32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		dst = append(dst, b[:]...)
	default:
		return nil, fmt.Errorf("%w: string of %d bytes exceeds format limit", ErrUnsupportedType, n)
	}
	return append(dst, s...), nil
}

func appendBinary(dst []byte, p []byte) ([]byte, error) {
	n := len(p)
	switch {
	case n <= math.MaxUint8:
		dst = append(dst, tagBin8, byte(n))
	case n <= math.MaxUint16:
		dst = append(dst, tagBin16, byte(n>>8), byte(n))
	case int64(n) <= math.MaxUint32:
		dst = append(dst, tagBin32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		dst = append(dst, b[:]...)
	default:
		return nil, fmt.Errorf("%w: buffer of %d bytes exceeds format limit", ErrUnsupportedType, n)
	}
	return append(dst, p...), nil
}

func appendSequence(dst []byte, seq []any) ([]byte, error) {
	n := len(seq)
	switch {
	case n < 16:
		dst = append(dst, tagFixarray|byte(n))
	case n <= math.MaxUint16:
		dst = append(dst, tagArr16, byte(n>>8), byte(n))
	case int64(n) <= math.MaxUint32:
		dst = append(dst, tagArr32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		dst = append(dst, b[:]...)
	default:
		return nil, fmt.Errorf("%w: sequence of %d elements exceeds format limit", ErrUnsupportedType, n)
	}
	var err error
	for _, el := range seq {
		dst, err = appendValue(dst, el)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func appendMap(dst []byte, m Map) ([]byte, error) {
	// Absent fields are dropped from the entry count, never emitted.
	n := 0
	for _, f := range m {
		if _, skip := f.Value.(absent); !skip {
			n++
		}
	}

	dst, err := appendMapHeader(dst, n)
	if err != nil {
		return nil, err
	}
	for _, f := range m {
		if _, skip := f.Value.(absent); skip {
			continue
		}
		dst, err = appendString(dst, f.Key)
		if err != nil {
			return nil, err
		}
		dst, err = appendValue(dst, f.Value)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// appendSortedMap handles the unordered built-in map by emitting entries in
// sorted key order, keeping repeated encodes byte-identical. A key absent
// from the map is an omitted field; a present nil value encodes as nil.
func appendSortedMap(dst []byte, m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if _, skip := v.(absent); skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dst, err := appendMapHeader(dst, len(keys))
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		dst, err = appendString(dst, k)
		if err != nil {
			return nil, err
		}
		dst, err = appendValue(dst, m[k])
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func appendMapHeader(dst []byte, n int) ([]byte, error) {
	switch {
	case n < 16:
		return append(dst, tagFixmap|byte(n)), nil
	case n <= math.MaxUint16:
		return append(dst, tagMap16, byte(n>>8), byte(n)), nil
	case int64(n) <= math.MaxUint32:
		dst = append(dst, tagMap32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		return append(dst, b[:]...), nil
	default:
		return nil, fmt.Errorf("%w: map of %d entries exceeds format limit", ErrUnsupportedType, n)
	}
}
