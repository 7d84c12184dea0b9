package core

// Atoms are the universal content-addressed storage unit. Every block,
// account and trie node is a DAG of atoms; the overlay moves atoms and
// nothing else. An atom is immutable: its id is the BLAKE3 hash of its
// canonical encoding, so mutating any field yields a new id.

import (
	"encoding/binary"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashSize is the width of an atom id in bytes.
const HashSize = 32

// MaxAtomData bounds the payload of a BYTES atom.
const MaxAtomData = 64 * 1024

// atomHeaderSize is the fixed canonical header: 1 byte kind tag,
// 2 bytes big-endian child count, 4 bytes big-endian data length.
const atomHeaderSize = 7

// Hash is a 32-byte atom id (or any 32-byte chain hash).
type Hash [HashSize]byte

// ZERO32 is the absent-value sentinel used throughout the atom model:
// an all-zero hash marks an empty subtree, a missing block field, an
// unset code hash.
var ZERO32 Hash

// Hex returns the lower-case hex form of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is the ZERO32 sentinel.
func (h Hash) IsZero() bool {
	return h == ZERO32
}

// HashFromBytes copies a 32-byte slice into a Hash. It returns false if
// the slice has the wrong length.
func HashFromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != HashSize {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// AtomKind tags the two atom shapes.
type AtomKind byte

const (
	// AtomBytes carries an opaque payload of at most 64 KiB.
	AtomBytes AtomKind = 0x00
	// AtomChildren carries a concatenation of fixed-width child ids.
	AtomChildren AtomKind = 0x01
)

// Atom is a decoded content-addressed unit. The zero value is an empty
// BYTES atom. Atoms are immutable after construction; all accessors are
// safe for concurrent use.
type Atom struct {
	kind AtomKind
	data []byte
}

// NewBytesAtom builds a BYTES atom over a copy of data.
func NewBytesAtom(data []byte) (*Atom, error) {
	if len(data) > MaxAtomData {
		return nil, ErrOversize
	}
	return &Atom{kind: AtomBytes, data: append([]byte(nil), data...)}, nil
}

// NewChildrenAtom builds a CHILDREN atom over the given child ids.
func NewChildrenAtom(children []Hash) (*Atom, error) {
	if len(children) > MaxAtomData/HashSize {
		return nil, ErrOversize
	}
	data := make([]byte, 0, len(children)*HashSize)
	for _, c := range children {
		data = append(data, c[:]...)
	}
	return &Atom{kind: AtomChildren, data: data}, nil
}

// Kind returns the atom's kind tag.
func (a *Atom) Kind() AtomKind {
	return a.kind
}

// Data returns the raw payload. Callers must not mutate it.
func (a *Atom) Data() []byte {
	return a.data
}

// ChildCount returns the number of child ids (0 for BYTES atoms).
func (a *Atom) ChildCount() int {
	if a.kind != AtomChildren {
		return 0
	}
	return len(a.data) / HashSize
}

// Child returns the i-th child id. It panics on out-of-range access,
// matching slice semantics.
func (a *Atom) Child(i int) Hash {
	var h Hash
	copy(h[:], a.data[i*HashSize:(i+1)*HashSize])
	return h
}

// Children returns all child ids.
func (a *Atom) Children() []Hash {
	n := a.ChildCount()
	out := make([]Hash, n)
	for i := 0; i < n; i++ {
		out[i] = a.Child(i)
	}
	return out
}

// Size returns the length of the canonical encoding in bytes.
func (a *Atom) Size() int {
	return atomHeaderSize + len(a.data)
}

// Encode produces the canonical encoding:
//
//	byte 0     kind tag (0x00 BYTES, 0x01 CHILDREN)
//	bytes 1-2  children count, big-endian u16 (0 for BYTES)
//	bytes 3-6  data length, big-endian u32
//	bytes 7-   payload
func (a *Atom) Encode() []byte {
	buf := make([]byte, atomHeaderSize+len(a.data))
	buf[0] = byte(a.kind)
	binary.BigEndian.PutUint16(buf[1:3], uint16(a.ChildCount()))
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(a.data)))
	copy(buf[atomHeaderSize:], a.data)
	return buf
}

// DecodeAtom parses a canonical encoding. Decoding then re-encoding
// yields bit-identical bytes.
func DecodeAtom(b []byte) (*Atom, error) {
	if len(b) < atomHeaderSize {
		return nil, ErrTruncated
	}
	kind := AtomKind(b[0])
	if kind != AtomBytes && kind != AtomChildren {
		return nil, ErrBadTag
	}
	count := binary.BigEndian.Uint16(b[1:3])
	dataLen := binary.BigEndian.Uint32(b[3:7])
	if dataLen > MaxAtomData {
		return nil, ErrOversize
	}
	if uint32(len(b)-atomHeaderSize) < dataLen {
		return nil, ErrTruncated
	}
	if uint32(len(b)-atomHeaderSize) > dataLen {
		return nil, ErrLenMismatch
	}
	switch kind {
	case AtomBytes:
		if count != 0 {
			return nil, ErrLenMismatch
		}
	case AtomChildren:
		if uint32(count)*HashSize != dataLen {
			return nil, ErrLenMismatch
		}
	}
	return &Atom{kind: kind, data: append([]byte(nil), b[atomHeaderSize:]...)}, nil
}

// ID returns the BLAKE3-256 hash of the canonical encoding. The id is a
// pure function of the bytes; structurally distinct constructions with
// identical bytes share an id.
func (a *Atom) ID() Hash {
	return Hash(blake3.Sum256(a.Encode()))
}
