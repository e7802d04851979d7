package cobase

import (
	"strconv"

	"github.com/ahamid/cobase/cobase_errors"
)

// ID is an entity identifier: a positive integer or a non-numeric string.
// Strings that parse as positive integers are rejected so the two
// representations never collide in the ordered-key space.
type ID struct {
	isInt bool
	i     int64
	s     string
}

func IntID(i int64) ID {
	return ID{isInt: true, i: i}
}

// StringID validates and wraps s. It returns ErrBadId if s is empty or
// parses as a positive integer.
func StringID(s string) (ID, error) {
	if s == "" {
		return ID{}, cobase_errors.ErrBadId
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return ID{}, cobase_errors.ErrBadId
	}
	return ID{s: s}, nil
}

func (id ID) IsInt() bool { return id.isInt }

func (id ID) String() string {
	if id.isInt {
		return strconv.FormatInt(id.i, 10)
	}
	return id.s
}

// Key returns the canonical ordered-key encoding used as the row key in
// the entity table: encode_ordered(id).
func (id ID) Key() []byte {
	var enc []byte
	if id.isInt {
		enc, _ = EncodeOrdered(id.i)
	} else {
		enc, _ = EncodeOrdered(id.s)
	}
	return enc
}

// Scalar returns the value to feed into EncodeOrdered/EncodeTuple when id
// is used as one element of a composite key (e.g. an index entry's
// source id).
func (id ID) Scalar() any {
	if id.isInt {
		return id.i
	}
	return id.s
}

// ParseID reconstructs an ID from its String() form — used when an event
// crossing a class boundary (bus.Event.ID) needs to be turned back into a
// typed id for a downstream Cached or index lookup. It does not re-apply
// StringID's validation: the id was already validated when first created.
func ParseID(s string) ID {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return IntID(n)
	}
	return ID{s: s}
}

// Reserved keys, two bytes each, always sorting before any entity row
// (whose keys begin with a kind tag byte ≥ 0x02): [0x01,0x01] holds the
// class metadata record, [0x01,0x02] holds the last-committed-version
// watermark.
var (
	ClassMetaKey = []byte{0x01, 0x01}
	WatermarkKey = []byte{0x01, 0x02}
	// EntityKeyFrom is the inclusive lower bound that iterates every
	// entity row in a table (gt = [0x02] per spec §3).
	EntityKeyFrom = []byte{0x02}
)
