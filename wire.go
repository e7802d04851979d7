package cobase

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Row encoding: value bytes are "<version>,<json>" when a value exists,
// "<version>" alone for an invalidation tombstone (spec §3).

func encodeRow(version int64, json []byte) []byte {
	out := strconv.AppendInt(nil, version, 10)
	out = append(out, ',')
	return append(out, json...)
}

func encodeInvalidationRow(version int64) []byte {
	return strconv.AppendInt(nil, version, 10)
}

// decodeRow parses a stored row value, returning the version, the JSON
// payload (nil if this was an invalidation-only row) and whether a
// payload was present at all.
func decodeRow(raw []byte) (version int64, payload []byte, hasPayload bool, err error) {
	comma := bytes.IndexByte(raw, ',')
	if comma < 0 {
		v, err := strconv.ParseInt(string(raw), 10, 64)
		return v, nil, false, err
	}
	v, err := strconv.ParseInt(string(raw[:comma]), 10, 64)
	if err != nil {
		return 0, nil, false, err
	}
	return v, raw[comma+1:], true, nil
}

func encodeWatermark(version int64) []byte {
	return strconv.AppendInt(nil, version, 10)
}

func decodeWatermark(raw []byte) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// classMetaRecord is the JSON stored at ClassMetaKey ([0x01,0x01]).
type classMetaRecord struct {
	StartVersion int64  `json:"startVersion"`
	DBVersion    string `json:"dbVersion"`
}

func encodeClassMeta(m classMetaRecord) []byte {
	b, _ := json.Marshal(m)
	return b
}

func decodeClassMeta(raw []byte) (classMetaRecord, error) {
	var m classMetaRecord
	err := json.Unmarshal(raw, &m)
	return m, err
}
