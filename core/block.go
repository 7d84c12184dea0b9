package core

// Block model. A block is a CHILDREN atom whose children are, in fixed
// order: chain id, previous block hash, number, timestamp, accounts
// hash, transactions total fees, transactions hash, receipts hash,
// delay difficulty, delay output, validator public key, signature,
// nonce. The block id is the id of that atom. The body hash covers the
// first eleven children (everything but signature and nonce) and is
// what the validator signs. A block is only valid when its id has at
// least delay_difficulty leading zero bits.

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"math/bits"
)

// Child indexes of the block atom.
const (
	blockFieldChainID = iota
	blockFieldPreviousBlockHash
	blockFieldNumber
	blockFieldTimestamp
	blockFieldAccountsHash
	blockFieldTransactionsTotalFees
	blockFieldTransactionsHash
	blockFieldReceiptsHash
	blockFieldDelayDifficulty
	blockFieldDelayOutput
	blockFieldValidatorPublicKey
	blockFieldSignature
	blockFieldNonce

	blockFieldCount = blockFieldNonce + 1
	blockBodyFields = blockFieldSignature // body excludes signature and nonce
)

// Block is the decoded block. Hash-valued fields use ZERO32 for absent;
// DelayOutput and Signature are raw bytes; ValidatorPublicKey is nil or
// 32 bytes.
type Block struct {
	ChainID               uint64
	PreviousBlockHash     Hash
	Number                uint64
	Timestamp             uint64
	AccountsHash          Hash
	TransactionsTotalFees uint64
	TransactionsHash      Hash
	ReceiptsHash          Hash
	DelayDifficulty       uint64
	DelayOutput           []byte
	ValidatorPublicKey    []byte
	Signature             []byte
	Nonce                 uint64

	hash Hash // set by ToAtom / BlockFromAtom / GenerateNonce
}

// Hash returns the block id from the most recent serialization. Zero
// until ToAtom, GenerateNonce or BlockFromAtom has run.
func (b *Block) Hash() Hash {
	return b.hash
}

func u64Bytes(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

// fieldBytes lays the block out as its thirteen leaf payloads.
func (b *Block) fieldBytes() [][]byte {
	vpk := b.ValidatorPublicKey
	if vpk == nil {
		vpk = ZERO32[:]
	}
	return [][]byte{
		u64Bytes(b.ChainID),
		b.PreviousBlockHash[:],
		u64Bytes(b.Number),
		u64Bytes(b.Timestamp),
		b.AccountsHash[:],
		u64Bytes(b.TransactionsTotalFees),
		b.TransactionsHash[:],
		b.ReceiptsHash[:],
		u64Bytes(b.DelayDifficulty),
		b.DelayOutput,
		vpk,
		b.Signature,
		u64Bytes(b.Nonce),
	}
}

// ToAtom serializes the block, returning its id and every fresh atom
// (thirteen leaves plus the block atom itself).
func (b *Block) ToAtom() (Hash, []*Atom, error) {
	fields := b.fieldBytes()
	atoms := make([]*Atom, 0, blockFieldCount+1)
	children := make([]Hash, 0, blockFieldCount)
	for _, field := range fields {
		leaf, err := NewBytesAtom(field)
		if err != nil {
			return Hash{}, nil, err
		}
		atoms = append(atoms, leaf)
		children = append(children, leaf.ID())
	}
	blockAtom, err := NewChildrenAtom(children)
	if err != nil {
		return Hash{}, nil, err
	}
	b.hash = blockAtom.ID()
	return b.hash, append(atoms, blockAtom), nil
}

// BodyHash covers everything the validator signs: the block atom minus
// signature and nonce.
func (b *Block) BodyHash() (Hash, error) {
	fields := b.fieldBytes()[:blockBodyFields]
	children := make([]Hash, 0, blockBodyFields)
	for _, field := range fields {
		leaf, err := NewBytesAtom(field)
		if err != nil {
			return Hash{}, err
		}
		children = append(children, leaf.ID())
	}
	bodyAtom, err := NewChildrenAtom(children)
	if err != nil {
		return Hash{}, err
	}
	return bodyAtom.ID(), nil
}

// Sign sets the block signature: the validator identity key over the
// body hash.
func (b *Block) Sign(identity ed25519.PrivateKey) error {
	body, err := b.BodyHash()
	if err != nil {
		return err
	}
	b.Signature = ed25519.Sign(identity, body[:])
	return nil
}

// VerifySignature checks the signature against the block's validator
// public key.
func (b *Block) VerifySignature() bool {
	if len(b.ValidatorPublicKey) != ed25519.PublicKeySize {
		return false
	}
	body, err := b.BodyHash()
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(b.ValidatorPublicKey), body[:], b.Signature)
}

// BlockFromAtom resolves a block id back into a Block, fetching child
// atoms through the storage facade on demand.
func BlockFromAtom(ctx context.Context, s *Storage, id Hash) (*Block, error) {
	atom, err := s.Get(ctx, id)
	if err != nil {
		return nil, &MissingAtomError{ID: id}
	}
	if atom.Kind() != AtomChildren || atom.ChildCount() != blockFieldCount {
		return nil, protocolErrorf("atom %s is not a block", id.Hex())
	}
	fields := make([][]byte, blockFieldCount)
	for i := 0; i < blockFieldCount; i++ {
		leaf, err := s.Get(ctx, atom.Child(i))
		if err != nil {
			return nil, &MissingAtomError{ID: atom.Child(i)}
		}
		fields[i] = leaf.Data()
	}
	for _, i := range []int{blockFieldChainID, blockFieldNumber, blockFieldTimestamp,
		blockFieldTransactionsTotalFees, blockFieldDelayDifficulty, blockFieldNonce} {
		if len(fields[i]) != 8 {
			return nil, protocolErrorf("block %s has malformed numeric field %d", id.Hex(), i)
		}
	}
	b := &Block{
		ChainID:               binary.BigEndian.Uint64(fields[blockFieldChainID]),
		Number:                binary.BigEndian.Uint64(fields[blockFieldNumber]),
		Timestamp:             binary.BigEndian.Uint64(fields[blockFieldTimestamp]),
		TransactionsTotalFees: binary.BigEndian.Uint64(fields[blockFieldTransactionsTotalFees]),
		DelayDifficulty:       binary.BigEndian.Uint64(fields[blockFieldDelayDifficulty]),
		DelayOutput:           append([]byte(nil), fields[blockFieldDelayOutput]...),
		Signature:             append([]byte(nil), fields[blockFieldSignature]...),
		Nonce:                 binary.BigEndian.Uint64(fields[blockFieldNonce]),
		hash:                  id,
	}
	var ok bool
	if b.PreviousBlockHash, ok = HashFromBytes(fields[blockFieldPreviousBlockHash]); !ok {
		return nil, protocolErrorf("block %s has malformed previous hash", id.Hex())
	}
	if b.AccountsHash, ok = HashFromBytes(fields[blockFieldAccountsHash]); !ok {
		return nil, protocolErrorf("block %s has malformed accounts hash", id.Hex())
	}
	if b.TransactionsHash, ok = HashFromBytes(fields[blockFieldTransactionsHash]); !ok {
		return nil, protocolErrorf("block %s has malformed transactions hash", id.Hex())
	}
	if b.ReceiptsHash, ok = HashFromBytes(fields[blockFieldReceiptsHash]); !ok {
		return nil, protocolErrorf("block %s has malformed receipts hash", id.Hex())
	}
	vpk := fields[blockFieldValidatorPublicKey]
	if vpkHash, isHash := HashFromBytes(vpk); !isHash || !vpkHash.IsZero() {
		b.ValidatorPublicKey = append([]byte(nil), vpk...)
	}
	return b, nil
}

// LeadingZeroBits counts the leading zero bits of a hash interpreted as
// a big-endian integer.
func LeadingZeroBits(h Hash) int {
	zeros := 0
	for _, b := range h {
		if b == 0 {
			zeros += 8
			continue
		}
		zeros += bits.LeadingZeros8(b)
		break
	}
	return zeros
}

// ValidDelay reports whether the block id satisfies the proof-of-delay
// difficulty.
func (b *Block) ValidDelay() bool {
	return uint64(LeadingZeroBits(b.hash)) >= b.DelayDifficulty
}

// GenerateNonce runs the proof-of-delay search: increment the nonce
// counter until the block id has at least difficulty leading zero bits.
// The search is single-threaded, deterministic from the starting
// counter, and monotone; the found nonce and id are left on the block.
func (b *Block) GenerateNonce(difficulty uint64) (uint64, error) {
	if difficulty > uint64(HashSize*8) {
		return 0, ErrCapacity
	}
	for {
		id, _, err := b.ToAtom()
		if err != nil {
			return 0, err
		}
		if uint64(LeadingZeroBits(id)) >= difficulty {
			return b.Nonce, nil
		}
		b.Nonce++
	}
}
