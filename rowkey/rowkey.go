// Package rowkey encodes table rows into the ordered binary key space
// used for partition routing and storage lookups: a hash doc key (the
// partition key), a range doc key (hash portion plus clustering
// columns), and an opaque tuple id that can stand in for either.
//
// The encoding is order-preserving over the range portion so that a
// lexicographic byte comparison of two range doc keys agrees with the
// comparison of their decoded column tuples, the same property the
// original per-column SubDocKey encoding relies on. Each value is
// escaped and null-terminated rather than length-prefixed, so that
// prefix relationships between values of different lengths still
// compare correctly.
package rowkey

import (
	"encoding/binary"

	farm "github.com/dgryski/go-farm"

	"github.com/tabletdb/tabletdb/schema"
	"github.com/tabletdb/tabletdb/tableterr"
)

// Kind tags a single encoded column value, distinguishing the wire
// representation so Decode can round-trip without a schema lookup.
type Kind byte

const (
	KindBytes Kind = iota
	KindInt64
	KindFloat64
	KindNull
)

// HashCode computes the partition hash for a set of hash-column values,
// in column order. This is the only place go-farm is used: every other
// package treats hash codes as opaque uint16s.
func HashCode(values [][]byte) uint16 {
	var buf []byte
	for _, v := range values {
		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(v)))
		buf = append(buf, lenPrefix[:]...)
		buf = append(buf, v...)
	}
	return uint16(farm.Hash64(buf))
}

// HashDocKey is the partition-routing key: the hash code followed by
// the encoded hash column values, in schema order.
type HashDocKey struct {
	Code   uint16
	Values [][]byte
}

// Encode renders the hash doc key into its ordered byte form:
// big-endian hash code, then each value tagged with its Kind and
// written in the escape-and-terminate form, so Decode can reconstruct
// it without a schema.
func (k HashDocKey) Encode() []byte {
	buf := make([]byte, 2, 2+estimateValuesSize(k.Values))
	binary.BigEndian.PutUint16(buf, k.Code)
	return appendValues(buf, k.Values)
}

// DecodeHashDocKey parses bytes produced by Encode.
func DecodeHashDocKey(b []byte) (HashDocKey, error) {
	if len(b) < 2 {
		return HashDocKey{}, tableterr.New(tableterr.Corruption, "hash doc key too short: %d bytes", len(b))
	}
	code := binary.BigEndian.Uint16(b)
	values, _, err := decodeValues(b[2:])
	if err != nil {
		return HashDocKey{}, err
	}
	return HashDocKey{Code: code, Values: values}, nil
}

// RangeDocKey is the full row-scope key for a row that has a range
// portion: the hash doc key bytes followed by the encoded range column
// values, in schema order. Two RangeDocKeys with the same hash portion
// compare lexicographically in clustering-column order, which is what
// lets a range scan walk rows in key order.
type RangeDocKey struct {
	Hash   HashDocKey
	Values [][]byte
}

// Encode renders the range doc key.
func (k RangeDocKey) Encode() []byte {
	hb := k.Hash.Encode()
	buf := make([]byte, len(hb), len(hb)+estimateValuesSize(k.Values))
	copy(buf, hb)
	return appendValues(buf, k.Values)
}

// DecodeRangeDocKeyWithSchema splits the decoded flat value list back
// into hash and range portions using the table's column counts, which
// is what every real caller (the planner, the iterator bridge) does
// since they always have the schema in hand.
func DecodeRangeDocKeyWithSchema(b []byte, tbl *schema.Table) (RangeDocKey, error) {
	if len(b) < 2 {
		return RangeDocKey{}, tableterr.New(tableterr.Corruption, "range doc key too short: %d bytes", len(b))
	}
	code := binary.BigEndian.Uint16(b)
	values, _, err := decodeValues(b[2:])
	if err != nil {
		return RangeDocKey{}, err
	}
	nHash := len(tbl.HashColumns())
	if len(values) < nHash {
		return RangeDocKey{}, tableterr.New(tableterr.Corruption, "range doc key has %d values, want at least %d hash columns", len(values), nHash)
	}
	return RangeDocKey{
		Hash:   HashDocKey{Code: code, Values: values[:nHash]},
		Values: values[nHash:],
	}, nil
}

// TupleID is an opaque, precomputed row identifier ("ybctid"-style):
// when present it substitutes for both doc keys and unambiguously
// identifies the row, per the data model invariant that exactly one of
// (hash doc key, range doc key, tuple id) identifies planner output.
type TupleID []byte

// NewTupleID derives a tuple id directly from an already-encoded range
// doc key, the common case when a prior read handed the planner a row
// locator to reuse on a subsequent write.
func NewTupleID(encodedRangeDocKey []byte) TupleID {
	out := make(TupleID, len(encodedRangeDocKey))
	copy(out, encodedRangeDocKey)
	return out
}

// AsRangeDocKey reinterprets the tuple id as a range doc key, valid
// because NewTupleID never changes the byte layout.
func (t TupleID) AsRangeDocKey(tbl *schema.Table) (RangeDocKey, error) {
	return DecodeRangeDocKeyWithSchema(t, tbl)
}

func estimateValuesSize(values [][]byte) int {
	n := 0
	for _, v := range values {
		n += 1 + len(v) + 2 // kind tag + value (escapes may grow this) + terminator
	}
	return n
}

func appendValues(buf []byte, values [][]byte) []byte {
	for _, v := range values {
		buf = append(buf, byte(KindBytes))
		buf = appendOrderedBytes(buf, v)
	}
	return buf
}

// appendOrderedBytes appends v to buf using an escape-and-terminate
// encoding: every 0x00 byte in v is escaped as 0x00 0xFF, and the value
// ends with a 0x00 0x00 terminator. A plain length prefix would make
// two values compare by length before content (e.g. "aa" would sort
// after "b"); this keeps byte-slice comparison of the encoded form
// agreeing with comparison of the raw values regardless of length,
// since the terminator's second byte (0x00) always sorts below the
// escape's second byte (0xFF).
func appendOrderedBytes(buf []byte, v []byte) []byte {
	for _, b := range v {
		if b == 0x00 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, 0x00, 0x00)
}

// readOrderedBytes reverses appendOrderedBytes, returning the decoded
// value and the remainder of b following its terminator.
func readOrderedBytes(b []byte) (value []byte, rest []byte, err error) {
	var out []byte
	i := 0
	for {
		if i >= len(b) {
			return nil, nil, tableterr.New(tableterr.Corruption, "unterminated ordered byte value")
		}
		if b[i] == 0x00 {
			if i+1 >= len(b) {
				return nil, nil, tableterr.New(tableterr.Corruption, "truncated escape sequence")
			}
			switch b[i+1] {
			case 0x00:
				return out, b[i+2:], nil
			case 0xFF:
				out = append(out, 0x00)
				i += 2
				continue
			default:
				return nil, nil, tableterr.New(tableterr.Corruption, "invalid escape sequence 0x00 0x%02x", b[i+1])
			}
		}
		out = append(out, b[i])
		i++
	}
}

func decodeValues(b []byte) ([][]byte, []byte, error) {
	var values [][]byte
	for len(b) > 0 {
		kind := Kind(b[0])
		v, rest, err := readOrderedBytes(b[1:])
		if err != nil {
			return nil, nil, err
		}
		if kind == KindNull {
			values = append(values, nil)
		} else {
			values = append(values, v)
		}
		b = rest
	}
	return values, b, nil
}
