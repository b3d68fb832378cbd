package substrate

import (
	"math/big"

	"balance_engine/internal/app/storagecoder"
	"balance_engine/internal/domain/entity"
)

// Sources of the substrate-native module.
const (
	SourceBase      = "substrate-native/base"
	SourceLocks     = "substrate-native/locks"
	SourceFreezes   = "substrate-native/freezes"
	SourceStaking   = "substrate-native/staking"
	SourceNompools  = "substrate-native/nompools"
	SourceCrowdloan = "substrate-native/crowdloan"
)

// NewNativeModule creates the substrate-native balance module.
func NewNativeModule(deps Deps) *Module {
	n := &nativeQueries{deps: deps}
	return newModule(entity.TokenTypeSubstrateNative, deps, n.build,
		&nompools{deps: deps},
		newCrowdloans(deps),
	)
}

type nativeQueries struct {
	deps Deps
}

// build creates the System.Account, Balances.Locks, Balances.Freezes and
// Staking.Ledger queries of every pair. Items missing on a chain are skipped.
func (n *nativeQueries) build(chainID string, meta *entity.MiniMetadata, pairs entity.AddressesByToken) map[string][]fragmentQuery {
	b := storagecoder.NewBuilder(meta)
	tokens := n.deps.Registry.TokensByID()

	account, hasAccount := b.Build("System", "Account")
	locks, hasLocks := b.Build("Balances", "Locks")
	freezes, hasFreezes := b.Build("Balances", "Freezes")
	ledger, hasLedger := b.Build("Staking", "Ledger")

	out := make(map[string][]fragmentQuery)
	for tokenID, addresses := range pairs {
		token := tokens[tokenID]
		for _, address := range addresses {
			accountID, err := DecodeAddress(address)
			if err != nil {
				n.deps.Logger.Warn("Skipping undecodable address", "chain", chainID, "address", address, "error", err)
				continue
			}

			key := entity.BalanceKey(tokenID, address)
			add := func(coder *storagecoder.StorageCoder, decode func(raw []byte) *entity.BalanceFragment) {
				stateKey, err := coder.EncodeKey(accountID)
				if err != nil {
					n.deps.Logger.Warn("Skipping storage query", "chain", chainID, "item", coder.Module+"."+coder.Item, "error", err)
					return
				}
				out[key] = append(out[key], fragmentQuery{ChainID: chainID, StateKey: stateKey, DecodeResult: decode})
			}

			if hasAccount {
				add(account, func(raw []byte) *entity.BalanceFragment {
					return n.decodeBase(account, token, address, raw)
				})
			}
			if hasLocks {
				add(locks, func(raw []byte) *entity.BalanceFragment {
					return n.decodeLocks(locks, token, address, raw)
				})
			}
			if hasFreezes {
				add(freezes, func(raw []byte) *entity.BalanceFragment {
					return n.decodeFreezes(freezes, b, token, address, raw)
				})
			}
			if hasLedger {
				add(ledger, func(raw []byte) *entity.BalanceFragment {
					return n.decodeStaking(ledger, token, address, raw)
				})
			}
		}
	}
	return out
}

func (n *nativeQueries) decodeBase(coder *storagecoder.StorageCoder, token entity.Token, address string, raw []byte) *entity.BalanceFragment {
	var info accountInfo
	if raw != nil {
		if err := coder.Decode(raw, &info); err != nil {
			n.deps.Logger.Error("Failed to decode account", "chain", token.ChainID, "address", address, "error", err)
			return newFragment(token, address, SourceBase)
		}
	}
	return newFragment(token, address, SourceBase,
		amount(entity.ValueTypeFree, "free", SourceBase, bigOf(info.Free), nil),
		amount(entity.ValueTypeReserved, "reserved", SourceBase, bigOf(info.Reserved), nil),
		amount(entity.ValueTypeLocked, "frozen", SourceBase, info.frozen(), nil),
	)
}

func (n *nativeQueries) decodeLocks(coder *storagecoder.StorageCoder, token entity.Token, address string, raw []byte) *entity.BalanceFragment {
	var locks []balanceLock
	if raw != nil {
		if err := coder.Decode(raw, &locks); err != nil {
			n.deps.Logger.Error("Failed to decode locks", "chain", token.ChainID, "address", address, "error", err)
			return newFragment(token, address, SourceLocks)
		}
	}

	values := make([]entity.AmountWithLabel, 0, len(locks))
	for _, lock := range locks {
		values = append(values, amount(entity.ValueTypeLocked, lockLabel(lock.ID), SourceLocks, bigOf(lock.Amount), nil))
	}
	return newFragment(token, address, SourceLocks, values...)
}

func (n *nativeQueries) decodeFreezes(coder *storagecoder.StorageCoder, b *storagecoder.Builder, token entity.Token, address string, raw []byte) *entity.BalanceFragment {
	var freezes []balanceFreeze
	if raw != nil {
		if err := coder.Decode(raw, &freezes); err != nil {
			n.deps.Logger.Error("Failed to decode freezes", "chain", token.ChainID, "address", address, "error", err)
			return newFragment(token, address, SourceFreezes)
		}
	}

	// freezes of one label are summed, identity allows one value per label
	byLabel := make(map[string]*big.Int)
	var labels []string
	for _, f := range freezes {
		pallet, _ := b.PalletName(uint8(f.ID.Pallet))
		label := freezeLabel(pallet, uint8(f.ID.Pallet))
		if byLabel[label] == nil {
			byLabel[label] = new(big.Int)
			labels = append(labels, label)
		}
		byLabel[label].Add(byLabel[label], bigOf(f.Amount))
	}

	values := make([]entity.AmountWithLabel, 0, len(labels))
	for _, label := range labels {
		values = append(values, amount(entity.ValueTypeLocked, label, SourceFreezes, byLabel[label], nil))
	}
	return newFragment(token, address, SourceFreezes, values...)
}

// decodeStaking reports the unlocking chunks of a direct staker. They are
// still covered by the staking lock and are subtracted from it on merge.
func (n *nativeQueries) decodeStaking(coder *storagecoder.StorageCoder, token entity.Token, address string, raw []byte) *entity.BalanceFragment {
	if raw == nil {
		return newFragment(token, address, SourceStaking)
	}
	var ledger stakingLedger
	if err := coder.Decode(raw, &ledger); err != nil {
		n.deps.Logger.Error("Failed to decode staking ledger", "chain", token.ChainID, "address", address, "error", err)
		return newFragment(token, address, SourceStaking)
	}

	unbonding := ledger.unbonding()
	if unbonding.Sign() == 0 {
		return newFragment(token, address, SourceStaking)
	}
	return newFragment(token, address, SourceStaking,
		amount(entity.ValueTypeLocked, entity.LabelUnbonding, SourceStaking, unbonding, map[string]any{entity.MetaUnbonding: true}),
	)
}
