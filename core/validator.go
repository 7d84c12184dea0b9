package core

// Validator selection. The current validator is a pure function of the
// accounts trie reachable from a block and the time elapsed since that
// block: enumerate staked accounts, order them by public key, and pick
// the slot the wall clock has rotated to. Two nodes with identical
// state always agree.

import (
	"context"
	"errors"
	"sort"
)

// SlotDuration is the chain constant: seconds of wall time per
// validator slot.
const SlotDuration = 8

// ErrNoValidators is returned when the accounts trie holds no staked
// account.
var ErrNoValidators = errors.New("no staked accounts in trie")

// CurrentValidator returns the public key entitled to produce the next
// block after blockHash at targetTime, plus the absolute slot index.
// Candidates are the accounts with a nonzero balance, weighted equally
// in lexicographic key order.
func CurrentValidator(ctx context.Context, s *Storage, blockHash Hash, targetTime uint64) ([]byte, uint64, error) {
	block, err := BlockFromAtom(ctx, s, blockHash)
	if err != nil {
		return nil, 0, err
	}

	var candidates [][]byte
	err = TrieWalk(ctx, s, block.AccountsHash, func(key []byte, valueID Hash) error {
		acct, err := AccountFromAtom(ctx, s, valueID)
		if err != nil {
			return err
		}
		if acct.Balance != nil && acct.Balance.Sign() > 0 {
			candidates = append(candidates, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if len(candidates) == 0 {
		return nil, 0, ErrNoValidators
	}
	sort.Slice(candidates, func(i, j int) bool {
		return string(candidates[i]) < string(candidates[j])
	})

	var elapsed uint64
	if targetTime > block.Timestamp {
		elapsed = targetTime - block.Timestamp
	}
	slot := elapsed / SlotDuration
	return candidates[slot%uint64(len(candidates))], slot, nil
}
