package entity

import (
	"fmt"
	"math/big"
	"sort"
)

// BalanceStatus describes how fresh a Balance is.
type BalanceStatus string

const (
	BalanceStatusInitializing BalanceStatus = "initializing"
	BalanceStatusLive         BalanceStatus = "live"
	BalanceStatusCache        BalanceStatus = "cache"
	BalanceStatusStale        BalanceStatus = "stale"
)

// Value types written by the balance modules.
const (
	ValueTypeFree      = "free"
	ValueTypeReserved  = "reserved"
	ValueTypeLocked    = "locked"
	ValueTypeNompool   = "nompool"
	ValueTypeCrowdloan = "crowdloan"
)

// Labels with special meaning for the derived amounts.
const (
	LabelStaking   = "staking"
	LabelUnbonding = "unbonding"
)

// Meta keys.
const (
	MetaAmountPreUnbonding = "amountPreUnbonding"
	MetaUnbonding          = "unbonding"
	MetaPoolID             = "poolId"
	MetaParaID             = "paraId"
)

// identityMetaKeys extend the (type, label) identity of a value so that one
// label can carry several entries, e.g. one nompool entry per pool.
var identityMetaKeys = []string{MetaPoolID, MetaParaID}

// AmountWithLabel is one labelled component of a Balance.
type AmountWithLabel struct {
	Type   string         `json:"type"`
	Label  string         `json:"label"`
	Source string         `json:"source"`
	Amount string         `json:"amount"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Identity returns the key under which at most one value may exist in a Balance.
func (v AmountWithLabel) Identity() string {
	id := v.Type + "/" + v.Label
	for _, key := range identityMetaKeys {
		if m, ok := v.Meta[key]; ok {
			id += fmt.Sprintf("/%s=%v", key, m)
		}
	}
	return id
}

// AmountInt parses Amount. Malformed or empty amounts are treated as zero.
func (v AmountWithLabel) AmountInt() *big.Int {
	n, ok := new(big.Int).SetString(v.Amount, 10)
	if !ok || n.Sign() < 0 {
		return new(big.Int)
	}
	return n
}

// Clone returns a copy with its own Meta map.
func (v AmountWithLabel) Clone() AmountWithLabel {
	if v.Meta != nil {
		meta := make(map[string]any, len(v.Meta))
		for k, m := range v.Meta {
			meta[k] = m
		}
		v.Meta = meta
	}
	return v
}

// Balance is the merged view of one token held by one address.
type Balance struct {
	Source       string            `json:"source"`
	Status       BalanceStatus     `json:"status"`
	Address      string            `json:"address"`
	ChainID      string            `json:"chainId,omitempty"`
	EVMNetworkID string            `json:"evmNetworkId,omitempty"`
	TokenID      string            `json:"tokenId"`
	Values       []AmountWithLabel `json:"values"`
}

// BalanceKey builds the tokenId-address key used across the engine.
func BalanceKey(tokenID, address string) string {
	return tokenID + "-" + address
}

// Key returns the tokenId-address key of the balance.
func (b Balance) Key() string {
	return BalanceKey(b.TokenID, b.Address)
}

// NetworkID returns the chain or EVM network the balance lives on.
func (b Balance) NetworkID() string {
	if b.ChainID != "" {
		return b.ChainID
	}
	return b.EVMNetworkID
}

// Clone returns a deep copy of the balance.
func (b Balance) Clone() Balance {
	values := make([]AmountWithLabel, len(b.Values))
	for i, v := range b.Values {
		values[i] = v.Clone()
	}
	b.Values = values
	return b
}

func (b Balance) sum(types ...string) *big.Int {
	total := new(big.Int)
	for _, v := range b.Values {
		for _, t := range types {
			if v.Type == t {
				total.Add(total, v.AmountInt())
				break
			}
		}
	}
	return total
}

// Free is the sum of all free values.
func (b Balance) Free() *big.Int { return b.sum(ValueTypeFree) }

// Reserved is the sum of all reserved values.
func (b Balance) Reserved() *big.Int { return b.sum(ValueTypeReserved) }

// Locked returns the amount of free balance that cannot be transferred.
// Substrate locks overlap, so the largest bucket wins. Staking locks are
// reduced by unbonding amounts elsewhere, so they are counted together with
// the unbonding values they were reduced by.
func (b Balance) Locked() *big.Int {
	maxLock := new(big.Int)
	staking := new(big.Int)
	for _, v := range b.Values {
		if v.Type != ValueTypeLocked {
			continue
		}
		amount := v.AmountInt()
		switch v.Label {
		case LabelStaking, LabelUnbonding:
			staking.Add(staking, amount)
		default:
			if amount.Cmp(maxLock) > 0 {
				maxLock = amount
			}
		}
	}
	if staking.Cmp(maxLock) > 0 {
		return staking
	}
	return maxLock
}

// Transferable is free minus locked, never negative.
func (b Balance) Transferable() *big.Int {
	t := new(big.Int).Sub(b.Free(), b.Locked())
	if t.Sign() < 0 {
		return new(big.Int)
	}
	return t
}

// Total counts everything the address owns of this token, including funds
// held outside the account (pools, crowdloans).
func (b Balance) Total() *big.Int {
	return b.sum(ValueTypeFree, ValueTypeReserved, ValueTypeNompool, ValueTypeCrowdloan)
}

// IsPositive reports whether any value is non-zero.
func (b Balance) IsPositive() bool {
	for _, v := range b.Values {
		if v.AmountInt().Sign() > 0 {
			return true
		}
	}
	return false
}

// Balances is a collection of balances with lookup helpers.
type Balances []Balance

// Find returns the balance for a token and address.
func (bs Balances) Find(tokenID, address string) (Balance, bool) {
	for _, b := range bs {
		if b.TokenID == tokenID && b.Address == address {
			return b, true
		}
	}
	return Balance{}, false
}

// Sorted returns the balances ordered by token id then address.
func (bs Balances) Sorted() Balances {
	out := make(Balances, len(bs))
	copy(out, bs)
	sort.Slice(out, func(i, j int) bool {
		if out[i].TokenID != out[j].TokenID {
			return out[i].TokenID < out[j].TokenID
		}
		return out[i].Address < out[j].Address
	})
	return out
}
