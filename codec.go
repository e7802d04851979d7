package cobase

import (
	"encoding/binary"
	"fmt"
)

// Ordered-key codec (component A). Encodes int64 and string values, and
// tuples of them, into byte strings such that byte-wise lexicographic
// order equals semantic order, and decoding is an exact round trip.
// Grounded on the teacher's fixed-width big-endian id keys (chotki.OKey,
// host.OKey) and rdx/zipint.go's zigzag treatment of signed integers,
// generalized into a small self-describing, self-terminating scheme: each
// encoded scalar carries a type tag and either a fixed width (ints) or an
// escaped-and-terminated body (strings), so tuples can be built by plain
// concatenation with no separate length table.

type kindTag byte

const (
	kindInt    kindTag = 0x02
	kindString kindTag = 0x03
)

// signBit flips the sign bit of a two's-complement int64 so that unsigned
// big-endian byte comparison matches signed numeric order.
const signBit = uint64(1) << 63

// EncodeOrdered encodes a single int64 or string value.
func EncodeOrdered(v any) ([]byte, error) {
	switch x := v.(type) {
	case int64:
		return encodeInt(x), nil
	case int:
		return encodeInt(int64(x)), nil
	case string:
		return encodeString(x), nil
	default:
		return nil, fmt.Errorf("cobase: EncodeOrdered: unsupported type %T", v)
	}
}

func encodeInt(x int64) []byte {
	out := make([]byte, 0, 9)
	out = append(out, byte(kindInt))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(x)^signBit)
	return append(out, buf[:]...)
}

func encodeString(s string) []byte {
	out := make([]byte, 0, len(s)+3)
	out = append(out, byte(kindString))
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, s[i])
		}
	}
	return append(out, 0x00, 0x00)
}

// DecodeOrdered decodes exactly one scalar from the front of b and returns
// the decoded value along with the unconsumed remainder.
func DecodeOrdered(b []byte) (value any, rest []byte, err error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("cobase: DecodeOrdered: empty input")
	}
	switch kindTag(b[0]) {
	case kindInt:
		if len(b) < 9 {
			return nil, nil, fmt.Errorf("cobase: DecodeOrdered: truncated int")
		}
		u := binary.BigEndian.Uint64(b[1:9])
		return int64(u ^ signBit), b[9:], nil
	case kindString:
		body := b[1:]
		var out []byte
		i := 0
		for {
			if i >= len(body) {
				return nil, nil, fmt.Errorf("cobase: DecodeOrdered: unterminated string")
			}
			if body[i] == 0x00 {
				if i+1 >= len(body) {
					return nil, nil, fmt.Errorf("cobase: DecodeOrdered: truncated escape")
				}
				if body[i+1] == 0x00 {
					return string(out), body[i+2:], nil
				}
				if body[i+1] == 0xFF {
					out = append(out, 0x00)
					i += 2
					continue
				}
				return nil, nil, fmt.Errorf("cobase: DecodeOrdered: bad escape")
			}
			out = append(out, body[i])
			i++
		}
	default:
		return nil, nil, fmt.Errorf("cobase: DecodeOrdered: unknown tag %#x", b[0])
	}
}

// EncodeTuple concatenates the ordered encoding of each part; because each
// scalar encoding is self-terminating, concatenation alone is enough for
// exact decode and for order preservation of the leading elements.
func EncodeTuple(parts ...any) ([]byte, error) {
	var out []byte
	for _, p := range parts {
		enc, err := EncodeOrdered(p)
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return out, nil
}

// DecodeTuple decodes every scalar packed into b by EncodeTuple.
func DecodeTuple(b []byte) ([]any, error) {
	var out []any
	for len(b) > 0 {
		v, rest, err := DecodeOrdered(b)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		b = rest
	}
	return out, nil
}

// IndexKeySeparator and IndexKeyUpperBound are the two reserved bytes from
// spec §3: a composite index key is
// encode_ordered(index_key) ‖ IndexKeySeparator ‖ encode_ordered(source_id),
// and a range scan with prefix encode_ordered(index_key) and upper bound
// encode_ordered(index_key) ‖ IndexKeyUpperBound yields every entry under
// one index key in source-id order.
const (
	IndexKeySeparator byte = 0x1E
	IndexKeyUpperBound byte = 0x1F
)

// EncodeIndexEntryKey builds the composite key of one index row.
func EncodeIndexEntryKey(indexKey, sourceID any) ([]byte, error) {
	ik, err := EncodeOrdered(indexKey)
	if err != nil {
		return nil, err
	}
	sid, err := EncodeOrdered(sourceID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(ik)+1+len(sid))
	out = append(out, ik...)
	out = append(out, IndexKeySeparator)
	out = append(out, sid...)
	return out, nil
}

// DecodeIndexEntryKey splits a composite index key back into its index key
// and source id, using the self-terminating property of each scalar
// encoding to find the true separator even if the index key's own string
// content happens to contain the separator byte.
func DecodeIndexEntryKey(key []byte) (indexKey, sourceID any, err error) {
	indexKey, rest, err := DecodeOrdered(key)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) == 0 || rest[0] != IndexKeySeparator {
		return nil, nil, fmt.Errorf("cobase: DecodeIndexEntryKey: missing separator")
	}
	sourceID, rest, err = DecodeOrdered(rest[1:])
	if err != nil {
		return nil, nil, err
	}
	if len(rest) != 0 {
		return nil, nil, fmt.Errorf("cobase: DecodeIndexEntryKey: trailing bytes")
	}
	return indexKey, sourceID, nil
}

// IndexKeyPrefixRange returns the [gte, lt) bounds that scan every entry
// under one index key, in source-id order.
func IndexKeyPrefixRange(indexKey any) (gte, lt []byte, err error) {
	ik, err := EncodeOrdered(indexKey)
	if err != nil {
		return nil, nil, err
	}
	gte = append(append([]byte(nil), ik...), IndexKeySeparator)
	lt = append(append([]byte(nil), ik...), IndexKeyUpperBound)
	return gte, lt, nil
}
