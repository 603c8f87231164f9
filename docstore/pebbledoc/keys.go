package pebbledoc

import (
	"encoding/binary"
	"math"

	"github.com/c360/streamsink/docstore"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - db/{db}/m                              database marker
// - db/{db}/coll/{coll}/m                  container properties (JSON)
// - db/{db}/coll/{coll}/d/{id}             document (JSON)
// - db/{db}/coll/{coll}/x/{idx_be4}/{enc}/{id}  composite index entry
//
// {enc} is the concatenation of the index path values encoded so that byte
// order matches the index order (descending paths are bit-inverted).

var (
	sep        = byte('/')
	dbPrefix   = []byte("db/")
	collSeg    = []byte("/coll/")
	metaSuffix = []byte("/m")
	docSeg     = []byte("/d/")
	indexSeg   = []byte("/x/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// keyDatabaseMeta builds the database marker key.
func keyDatabaseMeta(db string) []byte {
	k := make([]byte, 0, len(db)+8)
	k = append(k, dbPrefix...)
	k = append(k, db...)
	k = append(k, metaSuffix...)
	return k
}

// keyContainerMeta builds the container properties key.
func keyContainerMeta(db, coll string) []byte {
	k := make([]byte, 0, len(db)+len(coll)+16)
	k = append(k, dbPrefix...)
	k = append(k, db...)
	k = append(k, collSeg...)
	k = append(k, coll...)
	k = append(k, metaSuffix...)
	return k
}

// keyDocument builds a document key.
func keyDocument(db, coll, id string) []byte {
	k := make([]byte, 0, len(db)+len(coll)+len(id)+16)
	k = append(k, dbPrefix...)
	k = append(k, db...)
	k = append(k, collSeg...)
	k = append(k, coll...)
	k = append(k, docSeg...)
	k = append(k, id...)
	return k
}

// keyDocumentPrefix is the prefix under which all documents of a container sort.
func keyDocumentPrefix(db, coll string) []byte {
	k := make([]byte, 0, len(db)+len(coll)+16)
	k = append(k, dbPrefix...)
	k = append(k, db...)
	k = append(k, collSeg...)
	k = append(k, coll...)
	k = append(k, docSeg...)
	return k
}

// keyIndexEntry builds an index entry key for index number idx.
func keyIndexEntry(db, coll string, idx uint32, encoded []byte, id string) []byte {
	k := keyIndexPrefix(db, coll, idx)
	k = append(k, encoded...)
	k = append(k, sep)
	k = append(k, id...)
	return k
}

// keyIndexPrefix is the prefix of all entries of one composite index.
func keyIndexPrefix(db, coll string, idx uint32) []byte {
	k := make([]byte, 0, len(db)+len(coll)+24)
	k = append(k, dbPrefix...)
	k = append(k, db...)
	k = append(k, collSeg...)
	k = append(k, coll...)
	k = append(k, indexSeg...)
	k = appendBE4(k, idx)
	k = append(k, sep)
	return k
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for use as an iterator upper bound.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff, no upper bound
}

// encodeIndexValue encodes one document value so lexicographic byte order
// matches the natural order of the value. Strings sort as raw bytes; numbers
// use an order-preserving 8-byte encoding. A 0x00 terminator separates
// values within one composite key.
func encodeIndexValue(v any, order docstore.IndexOrder) []byte {
	var enc []byte
	switch val := v.(type) {
	case string:
		enc = append([]byte(val), 0x00)
	case float64:
		enc = appendOrderedFloat(nil, val)
	case int64:
		enc = appendOrderedFloat(nil, float64(val))
	case int:
		enc = appendOrderedFloat(nil, float64(val))
	case bool:
		if val {
			enc = []byte{1, 0x00}
		} else {
			enc = []byte{0, 0x00}
		}
	case nil:
		enc = []byte{0x00}
	default:
		// Unindexable shape; a constant keeps the entry well-formed.
		enc = []byte{0xfe, 0x00}
	}

	if order == docstore.Descending {
		for i := range enc {
			enc[i] ^= 0xff
		}
	}
	return enc
}

// appendOrderedFloat appends an 8-byte encoding of f whose byte order
// matches numeric order (sign-magnitude flip trick).
func appendOrderedFloat(dst []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits // negative: invert all
	} else {
		bits |= 1 << 63 // positive: flip sign bit
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	dst = append(dst, b[:]...)
	return append(dst, 0x00)
}
