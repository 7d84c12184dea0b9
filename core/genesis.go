package core

// Genesis construction: a number-zero block whose accounts trie funds
// the founding validator with the genesis stake.

import (
	"math/big"
	"time"
)

// genesisStake is the balance credited to the founding validator.
var genesisStake = big.NewInt(1_000_000)

// CreateGenesisBlock builds the genesis block for validatorPublicKey,
// runs the difficulty-1 nonce search, and returns the block together
// with every atom it depends on (accounts trie plus block atoms). The
// caller decides where to store them; nothing is announced.
func CreateGenesisBlock(chainID uint64, validatorPublicKey []byte) (*Block, []*Atom, error) {
	account := NewAccount(genesisStake)
	_, accountAtoms, err := account.ToAtom()
	if err != nil {
		return nil, nil, err
	}
	accountAtom := accountAtoms[len(accountAtoms)-1]

	// Inserting into the empty trie resolves no atoms, so no storage is
	// needed here.
	accountsRoot, trieAtoms, err := trieInsert(nil, nil, ZERO32, keyBits(validatorPublicKey), accountAtom.ID())
	if err != nil {
		return nil, nil, err
	}

	block := &Block{
		ChainID:            chainID,
		PreviousBlockHash:  ZERO32,
		Number:             0,
		Timestamp:          uint64(time.Now().Unix()),
		AccountsHash:       accountsRoot,
		DelayDifficulty:    1,
		ValidatorPublicKey: append([]byte(nil), validatorPublicKey...),
	}
	if _, err := block.GenerateNonce(block.DelayDifficulty); err != nil {
		return nil, nil, err
	}
	_, blockAtoms, err := block.ToAtom()
	if err != nil {
		return nil, nil, err
	}

	atoms := make([]*Atom, 0, len(accountAtoms)+len(trieAtoms)+len(blockAtoms))
	atoms = append(atoms, accountAtoms...)
	atoms = append(atoms, trieAtoms...)
	atoms = append(atoms, blockAtoms...)
	return block, atoms, nil
}
