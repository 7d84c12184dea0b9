package core

// Account state. An account is a four-child atom tuple: balance
// (16-byte big-endian), nonce (8-byte big-endian), code hash and
// storage root (32 bytes each, zero meaning absent). Accounts live in
// the accounts trie keyed by the owner's public key.

import (
	"context"
	"encoding/binary"
	"math/big"
)

const accountBalanceSize = 16

// Account is the decoded account tuple.
type Account struct {
	Balance     *big.Int
	Nonce       uint64
	CodeHash    Hash
	StorageRoot Hash
}

// NewAccount builds an account with the given balance and zero
// everything else.
func NewAccount(balance *big.Int) *Account {
	return &Account{Balance: new(big.Int).Set(balance)}
}

// ToAtom serializes the account, returning its atom id and the fresh
// atoms (four leaves plus the tuple).
func (a *Account) ToAtom() (Hash, []*Atom, error) {
	balance := make([]byte, accountBalanceSize)
	if a.Balance != nil {
		a.Balance.FillBytes(balance)
	}
	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, a.Nonce)

	leaves := make([]*Atom, 0, 4)
	children := make([]Hash, 0, 4)
	for _, field := range [][]byte{balance, nonce, a.CodeHash[:], a.StorageRoot[:]} {
		leaf, err := NewBytesAtom(field)
		if err != nil {
			return Hash{}, nil, err
		}
		leaves = append(leaves, leaf)
		children = append(children, leaf.ID())
	}
	tuple, err := NewChildrenAtom(children)
	if err != nil {
		return Hash{}, nil, err
	}
	return tuple.ID(), append(leaves, tuple), nil
}

// AccountFromAtom resolves and decodes an account tuple through the
// storage facade.
func AccountFromAtom(ctx context.Context, s *Storage, id Hash) (*Account, error) {
	atom, err := s.Get(ctx, id)
	if err != nil {
		return nil, &MissingAtomError{ID: id}
	}
	if atom.Kind() != AtomChildren || atom.ChildCount() != 4 {
		return nil, protocolErrorf("atom %s is not an account", id.Hex())
	}
	fields := make([][]byte, 4)
	for i := 0; i < 4; i++ {
		leaf, err := s.Get(ctx, atom.Child(i))
		if err != nil {
			return nil, &MissingAtomError{ID: atom.Child(i)}
		}
		fields[i] = leaf.Data()
	}
	if len(fields[0]) != accountBalanceSize || len(fields[1]) != 8 {
		return nil, protocolErrorf("account %s has malformed numeric fields", id.Hex())
	}
	acct := &Account{
		Balance: new(big.Int).SetBytes(fields[0]),
		Nonce:   binary.BigEndian.Uint64(fields[1]),
	}
	var ok bool
	if acct.CodeHash, ok = HashFromBytes(fields[2]); !ok {
		return nil, protocolErrorf("account %s has malformed code hash", id.Hex())
	}
	if acct.StorageRoot, ok = HashFromBytes(fields[3]); !ok {
		return nil, protocolErrorf("account %s has malformed storage root", id.Hex())
	}
	return acct, nil
}
