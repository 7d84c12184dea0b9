package core

// Binary radix trie over atoms. A node is a CHILDREN atom with a fixed
// four-child layout:
//
//	child[0]  prefix atom (bit count + packed bits)
//	child[1]  value atom id, or ZERO32 when the node holds no value
//	child[2]  subtree for next bit 0, or ZERO32
//	child[3]  subtree for next bit 1, or ZERO32
//
// Keys are arbitrary byte strings walked bit by bit, most significant
// bit first; path compression stores the shared bits of an edge in the
// child's prefix. ZERO32 is the empty-subtree sentinel, so an empty
// trie is just the zero root. All traversal resolves atoms through the
// storage facade; an unresolvable atom surfaces as MissingAtomError so
// callers can retry after fetching it.

import (
	"bytes"
	"context"
	"encoding/binary"
)

const trieNodeChildren = 4

type trieNode struct {
	prefix   []byte // one byte per bit, values 0 or 1
	valueID  Hash
	children [2]Hash
}

// keyBits expands a key into one-bit-per-byte form.
func keyBits(key []byte) []byte {
	bits := make([]byte, 0, len(key)*8)
	for _, b := range key {
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				bits = append(bits, 1)
			} else {
				bits = append(bits, 0)
			}
		}
	}
	return bits
}

// bitsToKey packs a whole number of bytes back out of bit form.
func bitsToKey(bits []byte) []byte {
	out := make([]byte, len(bits)/8)
	for i, bit := range bits {
		if i/8 == len(out) {
			break
		}
		if bit != 0 {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

func commonBits(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// encodePrefix packs a bit slice into a prefix atom payload: 2-byte
// big-endian bit count, then the bits MSB-first.
func encodePrefix(bits []byte) []byte {
	out := make([]byte, 2+(len(bits)+7)/8)
	binary.BigEndian.PutUint16(out, uint16(len(bits)))
	for i, bit := range bits {
		if bit != 0 {
			out[2+i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

func decodePrefix(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, protocolErrorf("trie prefix truncated")
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) != 2+(n+7)/8 {
		return nil, protocolErrorf("trie prefix length mismatch")
	}
	bits := make([]byte, n)
	for i := 0; i < n; i++ {
		if b[2+i/8]&(0x80>>(i%8)) != 0 {
			bits[i] = 1
		}
	}
	return bits, nil
}

// loadTrieNode resolves and decodes one trie node through the facade.
func loadTrieNode(ctx context.Context, s *Storage, id Hash) (*trieNode, error) {
	atom, err := s.Get(ctx, id)
	if err != nil {
		return nil, &MissingAtomError{ID: id}
	}
	if atom.Kind() != AtomChildren || atom.ChildCount() != trieNodeChildren {
		return nil, protocolErrorf("atom %s is not a trie node", id.Hex())
	}
	prefixAtom, err := s.Get(ctx, atom.Child(0))
	if err != nil {
		return nil, &MissingAtomError{ID: atom.Child(0)}
	}
	prefix, err := decodePrefix(prefixAtom.Data())
	if err != nil {
		return nil, err
	}
	return &trieNode{
		prefix:   prefix,
		valueID:  atom.Child(1),
		children: [2]Hash{atom.Child(2), atom.Child(3)},
	}, nil
}

// materialize turns a node into its prefix and node atoms, returning
// the node id and the fresh atoms.
func (n *trieNode) materialize() (Hash, []*Atom, error) {
	prefixAtom, err := NewBytesAtom(encodePrefix(n.prefix))
	if err != nil {
		return Hash{}, nil, err
	}
	nodeAtom, err := NewChildrenAtom([]Hash{prefixAtom.ID(), n.valueID, n.children[0], n.children[1]})
	if err != nil {
		return Hash{}, nil, err
	}
	return nodeAtom.ID(), []*Atom{prefixAtom, nodeAtom}, nil
}

// TrieGet walks the trie from root and returns the value atom id for
// key. ok is false when the key is absent.
func TrieGet(ctx context.Context, s *Storage, root Hash, key []byte) (valueID Hash, ok bool, err error) {
	if root.IsZero() {
		return Hash{}, false, nil
	}
	bits := keyBits(key)
	id := root
	for {
		node, err := loadTrieNode(ctx, s, id)
		if err != nil {
			return Hash{}, false, err
		}
		if len(bits) < len(node.prefix) || !bytes.Equal(bits[:len(node.prefix)], node.prefix) {
			return Hash{}, false, nil
		}
		bits = bits[len(node.prefix):]
		if len(bits) == 0 {
			if node.valueID.IsZero() {
				return Hash{}, false, nil
			}
			return node.valueID, true, nil
		}
		next := node.children[bits[0]]
		if next.IsZero() {
			return Hash{}, false, nil
		}
		bits = bits[1:]
		id = next
	}
}

// TrieSet inserts or replaces key with the given value atom, returning
// the new root id and every fresh atom produced (the value atom plus
// all rewritten nodes and prefixes). The old root is left untouched;
// tries are persistent.
func TrieSet(ctx context.Context, s *Storage, root Hash, key []byte, value *Atom) (Hash, []*Atom, error) {
	valueID := value.ID()
	newRoot, atoms, err := trieInsert(ctx, s, root, keyBits(key), valueID)
	if err != nil {
		return Hash{}, nil, err
	}
	return newRoot, append([]*Atom{value}, atoms...), nil
}

func trieInsert(ctx context.Context, s *Storage, id Hash, bits []byte, valueID Hash) (Hash, []*Atom, error) {
	if id.IsZero() {
		leaf := &trieNode{prefix: bits, valueID: valueID}
		return materializeInto(leaf, nil)
	}
	node, err := loadTrieNode(ctx, s, id)
	if err != nil {
		return Hash{}, nil, err
	}
	common := commonBits(node.prefix, bits)

	if common == len(node.prefix) {
		rest := bits[common:]
		if len(rest) == 0 {
			// Key terminates exactly here; replace the value.
			updated := &trieNode{prefix: node.prefix, valueID: valueID, children: node.children}
			return materializeInto(updated, nil)
		}
		branch := rest[0]
		childID, atoms, err := trieInsert(ctx, s, node.children[branch], rest[1:], valueID)
		if err != nil {
			return Hash{}, nil, err
		}
		updated := &trieNode{prefix: node.prefix, valueID: node.valueID, children: node.children}
		updated.children[branch] = childID
		return materializeInto(updated, atoms)
	}

	// Split the edge at the divergence point. The bit at position
	// `common` becomes the branch bit; it is consumed by the edge, not
	// stored in either prefix.
	oldBranch := node.prefix[common]
	moved := &trieNode{prefix: node.prefix[common+1:], valueID: node.valueID, children: node.children}
	movedID, atoms, err := moved.materialize()
	if err != nil {
		return Hash{}, nil, err
	}

	parent := &trieNode{prefix: bits[:common]}
	parent.children[oldBranch] = movedID
	rest := bits[common:]
	if len(rest) == 0 {
		parent.valueID = valueID
	} else {
		leaf := &trieNode{prefix: rest[1:], valueID: valueID}
		leafID, leafAtoms, err := leaf.materialize()
		if err != nil {
			return Hash{}, nil, err
		}
		atoms = append(atoms, leafAtoms...)
		parent.children[rest[0]] = leafID
	}
	return materializeInto(parent, atoms)
}

func materializeInto(n *trieNode, atoms []*Atom) (Hash, []*Atom, error) {
	id, fresh, err := n.materialize()
	if err != nil {
		return Hash{}, nil, err
	}
	return id, append(atoms, fresh...), nil
}

// TrieWalk visits every (key, value atom id) pair in bit order, which
// for equal-length keys is lexicographic order. Keys whose bit length
// is not a whole number of bytes are skipped.
func TrieWalk(ctx context.Context, s *Storage, root Hash, fn func(key []byte, valueID Hash) error) error {
	if root.IsZero() {
		return nil
	}
	return trieWalk(ctx, s, root, nil, fn)
}

func trieWalk(ctx context.Context, s *Storage, id Hash, path []byte, fn func([]byte, Hash) error) error {
	node, err := loadTrieNode(ctx, s, id)
	if err != nil {
		return err
	}
	path = append(path, node.prefix...)
	if !node.valueID.IsZero() && len(path)%8 == 0 {
		if err := fn(bitsToKey(path), node.valueID); err != nil {
			return err
		}
	}
	for branch := byte(0); branch < 2; branch++ {
		child := node.children[branch]
		if child.IsZero() {
			continue
		}
		if err := trieWalk(ctx, s, child, append(path, branch), fn); err != nil {
			return err
		}
	}
	return nil
}
