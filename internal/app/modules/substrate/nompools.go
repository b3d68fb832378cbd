package substrate

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sort"
	"sync"

	"balance_engine/internal/app/port"
	"balance_engine/internal/app/statequery"
	"balance_engine/internal/app/storagecoder"
	"balance_engine/internal/domain/entity"
)

var defaultPoolsPalletID = []byte("py/nopls")

// nompools reports the stake of nomination pool members. A member's balance
// depends on four independently updating items: its PoolMembers entry and the
// BondedPools entry, stash ledger and Metadata of its pool. The pool items are
// subscribed for the set of pools the members currently belong to.
type nompools struct {
	deps Deps
}

type poolCoders struct {
	members  *storagecoder.StorageCoder
	bonded   *storagecoder.StorageCoder
	ledger   *storagecoder.StorageCoder
	metadata *storagecoder.StorageCoder
	palletID []byte
}

func (p *nompools) coders(chainID string) (*poolCoders, bool) {
	b := storagecoder.NewBuilder(p.deps.Metadata.MetadataFor(chainID, string(entity.TokenTypeSubstrateNative)))
	members, ok := b.Build("NominationPools", "PoolMembers")
	if !ok {
		return nil, false
	}
	bonded, ok := b.Build("NominationPools", "BondedPools")
	if !ok {
		return nil, false
	}
	ledger, ok := b.Build("Staking", "Ledger")
	if !ok {
		return nil, false
	}
	c := &poolCoders{members: members, bonded: bonded, ledger: ledger, palletID: defaultPoolsPalletID}
	c.metadata, _ = b.Build("NominationPools", "Metadata")
	if raw, ok := b.Constant("NominationPools", "PalletId"); ok && len(raw) == 8 {
		c.palletID = raw
	}
	return c, true
}

// poolStash derives the bonded account of a pool:
// "modl" ++ pallet id ++ AccountType::Bonded ++ pool id, zero padded.
func poolStash(palletID []byte, poolID uint32) []byte {
	account := make([]byte, 32)
	n := copy(account, "modl")
	n += copy(account[n:], palletID)
	account[n] = 0
	binary.LittleEndian.PutUint32(account[n+1:], poolID)
	return account
}

func (p *nompools) fetch(ctx context.Context, addressesByToken entity.AddressesByToken) ([]entity.BalanceFragment, error) {
	var (
		out  []entity.BalanceFragment
		errs []error
	)
	for chainID, pairs := range byChain(p.deps.Registry, addressesByToken) {
		coders, ok := p.coders(chainID)
		if !ok {
			continue
		}
		agg := newPoolAggregator(p.deps.Registry.TokensByID(), pairs)

		members, err := statequery.New(p.deps.Connector, p.memberQueries(chainID, coders, pairs), p.deps.Logger).Fetch(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		agg.applyMembers(members)

		generation, poolIDs, _ := agg.rotate()
		pools, err := statequery.New(p.deps.Connector, p.poolQueries(chainID, coders, generation, poolIDs), p.deps.Logger).Fetch(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		agg.applyPools(pools)
		out = append(out, agg.fragments()...)
	}
	return out, errors.Join(errs...)
}

func (p *nompools) subscribe(ctx context.Context, addressesByToken entity.AddressesByToken, handler port.FragmentsHandler) func() {
	var unsubs []func()
	for chainID, pairs := range byChain(p.deps.Registry, addressesByToken) {
		coders, ok := p.coders(chainID)
		if !ok {
			continue
		}
		unsubs = append(unsubs, p.subscribeChain(ctx, chainID, coders, pairs, handler))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (p *nompools) subscribeChain(ctx context.Context, chainID string, coders *poolCoders, pairs entity.AddressesByToken, handler port.FragmentsHandler) func() {
	ctx, cancel := context.WithCancel(ctx)
	agg := newPoolAggregator(p.deps.Registry.TokensByID(), pairs)

	var (
		mu       sync.Mutex
		closed   bool
		poolStop func()
	)
	resubscribe := func() {
		mu.Lock()
		defer mu.Unlock()
		generation, poolIDs, changed := agg.rotate()
		if closed || !changed {
			return
		}
		if poolStop != nil {
			poolStop()
			poolStop = nil
		}
		if len(poolIDs) == 0 {
			return
		}
		queries := p.poolQueries(chainID, coders, generation, poolIDs)
		poolStop = statequery.New(p.deps.Connector, queries, p.deps.Logger).Subscribe(ctx, func(updates []poolUpdate, err error) {
			if err != nil {
				handler(nil, err)
				return
			}
			if fragments := agg.applyPools(updates); len(fragments) > 0 {
				handler(fragments, nil)
			}
		})
	}

	memberStop := statequery.New(p.deps.Connector, p.memberQueries(chainID, coders, pairs), p.deps.Logger).Subscribe(ctx, func(updates []memberUpdate, err error) {
		if err != nil {
			handler(nil, err)
			return
		}
		if fragments := agg.applyMembers(updates); len(fragments) > 0 {
			handler(fragments, nil)
		}
		resubscribe()
	})

	return func() {
		cancel()
		memberStop()
		mu.Lock()
		defer mu.Unlock()
		closed = true
		if poolStop != nil {
			poolStop()
		}
	}
}

type memberUpdate struct {
	key    string
	member *poolMember
}

type poolUpdate struct {
	generation uint64
	poolID     uint32
	points     *big.Int
	active     *big.Int
	name       *string
}

func (p *nompools) memberQueries(chainID string, coders *poolCoders, pairs entity.AddressesByToken) []entity.StateQuery[memberUpdate] {
	var queries []entity.StateQuery[memberUpdate]
	for tokenID, addresses := range pairs {
		for _, address := range addresses {
			accountID, err := DecodeAddress(address)
			if err != nil {
				continue
			}
			stateKey, err := coders.members.EncodeKey(accountID)
			if err != nil {
				p.deps.Logger.Warn("Skipping pool member query", "chain", chainID, "error", err)
				continue
			}
			key := entity.BalanceKey(tokenID, address)
			queries = append(queries, entity.StateQuery[memberUpdate]{
				ChainID:  chainID,
				StateKey: stateKey,
				DecodeResult: func(raw []byte) memberUpdate {
					if raw == nil {
						return memberUpdate{key: key}
					}
					var member poolMember
					if err := coders.members.Decode(raw, &member); err != nil {
						p.deps.Logger.Error("Failed to decode pool member", "chain", chainID, "key", key, "error", err)
						return memberUpdate{key: key}
					}
					return memberUpdate{key: key, member: &member}
				},
			})
		}
	}
	return queries
}

func (p *nompools) poolQueries(chainID string, coders *poolCoders, generation uint64, poolIDs []uint32) []entity.StateQuery[poolUpdate] {
	var queries []entity.StateQuery[poolUpdate]
	add := func(coder *storagecoder.StorageCoder, arg []byte, decode func(raw []byte) poolUpdate) {
		stateKey, err := coder.EncodeKey(arg)
		if err != nil {
			p.deps.Logger.Warn("Skipping pool query", "chain", chainID, "item", coder.Module+"."+coder.Item, "error", err)
			return
		}
		queries = append(queries, entity.StateQuery[poolUpdate]{ChainID: chainID, StateKey: stateKey, DecodeResult: decode})
	}

	for _, poolID := range poolIDs {
		id := make([]byte, 4)
		binary.LittleEndian.PutUint32(id, poolID)
		base := poolUpdate{generation: generation, poolID: poolID}

		add(coders.bonded, id, func(raw []byte) poolUpdate {
			u := base
			u.points = new(big.Int)
			if raw == nil {
				return u
			}
			points, err := decodeBondedPoolPoints(raw)
			if err != nil {
				p.deps.Logger.Error("Failed to decode bonded pool", "chain", chainID, "pool", poolID, "error", err)
				return u
			}
			u.points = points
			return u
		})
		add(coders.ledger, poolStash(coders.palletID, poolID), func(raw []byte) poolUpdate {
			u := base
			u.active = new(big.Int)
			if raw == nil {
				return u
			}
			var ledger stakingLedger
			if err := coders.ledger.Decode(raw, &ledger); err != nil {
				p.deps.Logger.Error("Failed to decode pool ledger", "chain", chainID, "pool", poolID, "error", err)
				return u
			}
			u.active = compactOf(ledger.Active)
			return u
		})
		if coders.metadata != nil {
			add(coders.metadata, id, func(raw []byte) poolUpdate {
				u := base
				var name []byte
				if raw != nil {
					if err := coders.metadata.Decode(raw, &name); err != nil {
						p.deps.Logger.Debug("Failed to decode pool metadata", "chain", chainID, "pool", poolID, "error", err)
					}
				}
				s := string(name)
				u.name = &s
				return u
			})
		}
	}
	return queries
}

type pairRef struct {
	token   entity.Token
	address string
}

type poolState struct {
	points *big.Int
	active *big.Int
	name   string
}

// poolAggregator joins member and pool updates into one fragment per pair.
// Pool updates carry the generation of the subscription that produced them;
// updates of an older generation are dropped.
type poolAggregator struct {
	mu         sync.Mutex
	pairs      map[string]pairRef
	seen       map[string]bool
	members    map[string]*poolMember
	pools      map[uint32]*poolState
	poolIDs    []uint32
	generation uint64
}

func newPoolAggregator(tokens map[string]entity.Token, pairs entity.AddressesByToken) *poolAggregator {
	a := &poolAggregator{
		pairs:   make(map[string]pairRef),
		seen:    make(map[string]bool),
		members: make(map[string]*poolMember),
		pools:   make(map[uint32]*poolState),
	}
	for tokenID, addresses := range pairs {
		for _, address := range addresses {
			a.pairs[entity.BalanceKey(tokenID, address)] = pairRef{token: tokens[tokenID], address: address}
		}
	}
	return a
}

// applyMembers records member updates and returns the fragments that became
// complete.
func (a *poolAggregator) applyMembers(updates []memberUpdate) []entity.BalanceFragment {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []entity.BalanceFragment
	for _, u := range updates {
		if _, ok := a.pairs[u.key]; !ok {
			continue
		}
		a.seen[u.key] = true
		a.members[u.key] = u.member
		if f := a.fragment(u.key); f != nil {
			out = append(out, *f)
		}
	}
	return out
}

// rotate compares the pools the members belong to with the pools currently
// tracked. When they differ a new generation starts and the new pool ids are
// returned.
func (a *poolAggregator) rotate() (generation uint64, poolIDs []uint32, changed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	set := make(map[uint32]struct{})
	for _, m := range a.members {
		if m != nil {
			set[uint32(m.PoolID)] = struct{}{}
		}
	}
	next := make([]uint32, 0, len(set))
	for id := range set {
		next = append(next, id)
	}
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })

	if equalIDs(next, a.poolIDs) && a.generation > 0 {
		return a.generation, a.poolIDs, false
	}

	a.generation++
	a.poolIDs = next
	for id := range a.pools {
		if _, ok := set[id]; !ok {
			delete(a.pools, id)
		}
	}
	return a.generation, next, true
}

// applyPools records pool updates of the current generation and returns the
// fragments of the members of the updated pools.
func (a *poolAggregator) applyPools(updates []poolUpdate) []entity.BalanceFragment {
	a.mu.Lock()
	defer a.mu.Unlock()

	touched := make(map[uint32]bool)
	for _, u := range updates {
		if u.generation != a.generation {
			continue
		}
		state := a.pools[u.poolID]
		if state == nil {
			state = &poolState{}
			a.pools[u.poolID] = state
		}
		if u.points != nil {
			state.points = u.points
		}
		if u.active != nil {
			state.active = u.active
		}
		if u.name != nil {
			state.name = *u.name
		}
		touched[u.poolID] = true
	}

	var out []entity.BalanceFragment
	for _, key := range a.sortedKeys() {
		m := a.members[key]
		if m == nil || !touched[uint32(m.PoolID)] {
			continue
		}
		if f := a.fragment(key); f != nil {
			out = append(out, *f)
		}
	}
	return out
}

// fragments returns every complete fragment.
func (a *poolAggregator) fragments() []entity.BalanceFragment {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []entity.BalanceFragment
	for _, key := range a.sortedKeys() {
		if f := a.fragment(key); f != nil {
			out = append(out, *f)
		}
	}
	return out
}

// fragment builds the fragment of one pair, or nil while its inputs are
// incomplete. Callers hold a.mu.
func (a *poolAggregator) fragment(key string) *entity.BalanceFragment {
	if !a.seen[key] {
		return nil
	}
	pair := a.pairs[key]
	member := a.members[key]
	if member == nil {
		return newFragment(pair.token, pair.address, SourceNompools)
	}

	poolID := uint32(member.PoolID)
	state := a.pools[poolID]
	if state == nil || state.points == nil || state.active == nil {
		return nil
	}

	stake := new(big.Int)
	if state.points.Sign() > 0 {
		stake.Mul(bigOf(member.Points), state.active)
		stake.Quo(stake, state.points)
	}

	meta := map[string]any{entity.MetaPoolID: poolID}
	if state.name != "" {
		meta["poolName"] = state.name
	}
	values := []entity.AmountWithLabel{amount(entity.ValueTypeNompool, "nompool", SourceNompools, stake, meta)}
	if unbonding := member.unbonding(); unbonding.Sign() > 0 {
		values = append(values, amount(entity.ValueTypeNompool, "nompool-unbonding", SourceNompools, unbonding,
			map[string]any{entity.MetaPoolID: poolID, entity.MetaUnbonding: true}))
	}
	return newFragment(pair.token, pair.address, SourceNompools, values...)
}

func (a *poolAggregator) sortedKeys() []string {
	keys := make([]string, 0, len(a.pairs))
	for key := range a.pairs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func equalIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
