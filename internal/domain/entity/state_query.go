package entity

import (
	"fmt"
	"strings"
)

// StateQuery describes one piece of on-chain state: the storage key to read
// on a chain and the decoder that turns the raw value into a result.
// DecodeResult receives nil when the key holds no value.
type StateQuery[T any] struct {
	ChainID      string
	StateKey     string
	DecodeResult func(raw []byte) T
}

// NormalizeStateKey lowercases a hex storage key and ensures the 0x prefix.
func NormalizeStateKey(key string) string {
	key = strings.ToLower(key)
	if !strings.HasPrefix(key, "0x") {
		key = "0x" + key
	}
	return key
}

// AddressesByToken maps token ids to the addresses to query for each token.
type AddressesByToken map[string][]string

// Validate rejects malformed caller input.
func (a AddressesByToken) Validate() error {
	for tokenID, addresses := range a {
		if strings.TrimSpace(tokenID) == "" {
			return fmt.Errorf("%w: empty token id", ErrInvalidRequest)
		}
		for _, address := range addresses {
			if strings.TrimSpace(address) == "" {
				return fmt.Errorf("%w: empty address for token %s", ErrInvalidRequest, tokenID)
			}
		}
	}
	return nil
}

// Pairs returns the number of (token, address) pairs.
func (a AddressesByToken) Pairs() int {
	n := 0
	for _, addresses := range a {
		n += len(addresses)
	}
	return n
}

// Subset returns the entries for the given tokens.
func (a AddressesByToken) Subset(tokenIDs []string) AddressesByToken {
	out := make(AddressesByToken, len(tokenIDs))
	for _, id := range tokenIDs {
		if addresses, ok := a[id]; ok {
			out[id] = addresses
		}
	}
	return out
}

// TokenIDs returns the token ids in the map.
func (a AddressesByToken) TokenIDs() []string {
	ids := make([]string, 0, len(a))
	for id := range a {
		ids = append(ids, id)
	}
	return ids
}

// BalanceFragment is the complete current view of one source for one
// (token, address) pair.
type BalanceFragment struct {
	Source  string
	Balance Balance
}

// SubscriptionStatus is the externally visible state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusInitialising SubscriptionStatus = "initialising"
	SubscriptionStatusLive         SubscriptionStatus = "live"
)

// BalancesUpdate is delivered to subscription callbacks.
type BalancesUpdate struct {
	Status SubscriptionStatus `json:"status"`
	Data   Balances           `json:"data"`
}
