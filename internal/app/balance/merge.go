// Package balance folds balance fragments from independent sources into one
// balance per (token, address).
package balance

import (
	"math/big"

	"balance_engine/internal/domain/entity"
)

// Merge combines incoming, the complete current view of source, with the
// existing balance. Values written by other sources are kept, values
// previously written by source are replaced. Incoming values win identity
// collisions and the status is taken from incoming.
func Merge(existing *entity.Balance, incoming entity.Balance, source string) entity.Balance {
	if existing == nil {
		return incoming.Clone()
	}

	merged := incoming.Clone()

	incomingIDs := make(map[string]struct{}, len(incoming.Values))
	for _, v := range incoming.Values {
		incomingIDs[v.Identity()] = struct{}{}
	}

	values := make([]entity.AmountWithLabel, 0, len(existing.Values)+len(incoming.Values))
	seen := make(map[string]int, cap(values))
	for _, v := range existing.Values {
		if v.Source == source {
			continue
		}
		if _, collides := incomingIDs[v.Identity()]; collides {
			continue
		}
		seen[v.Identity()] = len(values)
		values = append(values, v.Clone())
	}
	for _, v := range merged.Values {
		if i, dup := seen[v.Identity()]; dup {
			values[i] = v
			continue
		}
		seen[v.Identity()] = len(values)
		values = append(values, v)
	}

	merged.Values = values
	return merged
}

// ApplyUnbondingAdjustment removes the double counting between staking locks
// and the unbonding chunks they still cover. The unbonding total is
// subtracted from the staking lock buckets in storage order, exhausting the
// first bucket before moving to the next, and never below zero.
//
// The pre-adjustment amount is kept in meta and used as the base of every
// later adjustment, so applying the adjustment again is a no-op.
func ApplyUnbondingAdjustment(b entity.Balance) entity.Balance {
	unbonding := new(big.Int)
	hasStaking := false
	for _, v := range b.Values {
		if v.Type == entity.ValueTypeLocked && v.Label == entity.LabelUnbonding {
			unbonding.Add(unbonding, v.AmountInt())
		}
		if v.Type == entity.ValueTypeLocked && v.Label == entity.LabelStaking {
			hasStaking = true
		}
	}
	if !hasStaking {
		return b
	}

	out := b.Clone()
	remaining := unbonding
	for i, v := range out.Values {
		if v.Type != entity.ValueTypeLocked || v.Label != entity.LabelStaking {
			continue
		}

		original := v.AmountInt()
		if pre, ok := v.Meta[entity.MetaAmountPreUnbonding].(string); ok {
			if n, ok := new(big.Int).SetString(pre, 10); ok {
				original = n
			}
		}

		deduct := new(big.Int).Set(remaining)
		if deduct.Cmp(original) > 0 {
			deduct.Set(original)
		}
		remaining = new(big.Int).Sub(remaining, deduct)

		if v.Meta == nil {
			v.Meta = map[string]any{}
		}
		v.Meta[entity.MetaAmountPreUnbonding] = original.String()
		v.Amount = new(big.Int).Sub(original, deduct).String()
		out.Values[i] = v
	}
	return out
}

// MergeFragment merges a fragment into existing and re-applies the unbonding
// adjustment.
func MergeFragment(existing *entity.Balance, fragment entity.BalanceFragment) entity.Balance {
	return ApplyUnbondingAdjustment(Merge(existing, fragment.Balance, fragment.Source))
}
