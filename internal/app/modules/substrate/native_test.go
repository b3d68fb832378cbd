package substrate

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"balance_engine/internal/app/balance"
	"balance_engine/internal/app/storagecoder"
	"balance_engine/internal/domain/entity"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *env) storeAlice(t *testing.T) {
	t.Helper()
	account := alice(t)

	e.store(t, "System", "Account", accountInfo{
		Providers: 1,
		Free:      u128(100),
		Reserved:  u128(7),
		Frozen:    u128(40),
		Flags:     types.NewU128(*newLogicFlag),
	}, account)
	e.store(t, "Balances", "Locks", []balanceLock{
		{ID: [8]byte{'s', 't', 'a', 'k', 'i', 'n', 'g', ' '}, Amount: u128(40), Reasons: 2},
		{ID: [8]byte{'v', 'e', 's', 't', 'i', 'n', 'g', ' '}, Amount: u128(10), Reasons: 2},
	}, account)
	e.store(t, "Balances", "Freezes", []balanceFreeze{
		{ID: freezeReason{Pallet: 39}, Amount: u128(30)},
		{ID: freezeReason{Pallet: 39, Variant: 1}, Amount: u128(5)},
	}, account)
	e.store(t, "Staking", "Ledger", stakingLedger{
		Total:     types.NewUCompactFromUInt(40),
		Active:    types.NewUCompactFromUInt(25),
		Unlocking: []unlockChunk{{Value: types.NewUCompactFromUInt(15), Era: types.NewUCompactFromUInt(100)}},
	}, account)
}

func valuesByLabel(f entity.BalanceFragment) map[string]string {
	out := make(map[string]string, len(f.Balance.Values))
	for _, v := range f.Balance.Values {
		out[v.Label] = v.Amount
	}
	return out
}

func TestNativeModuleFetch(t *testing.T) {
	e := newEnv(t)
	e.storeAlice(t)
	m := NewNativeModule(e.deps)
	defer m.Close()

	fragments, err := m.FetchBalances(context.Background(), entity.AddressesByToken{
		"relay-native": {aliceSS58},
		"relay-usdt":   {aliceSS58},
	})
	require.NoError(t, err)
	require.Len(t, fragments, 5)

	base, ok := findFragment(fragments, SourceBase)
	require.True(t, ok)
	assert.Equal(t, "relay-native", base.Balance.TokenID)
	assert.Equal(t, "relay", base.Balance.ChainID)
	assert.Equal(t, map[string]string{"free": "100", "reserved": "7", "frozen": "40"}, valuesByLabel(base))

	locks, ok := findFragment(fragments, SourceLocks)
	require.True(t, ok)
	assert.Equal(t, map[string]string{entity.LabelStaking: "40", "vesting": "10"}, valuesByLabel(locks))

	freezes, ok := findFragment(fragments, SourceFreezes)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"nompools-staking": "35"}, valuesByLabel(freezes))

	staking, ok := findFragment(fragments, SourceStaking)
	require.True(t, ok)
	require.Len(t, staking.Balance.Values, 1)
	assert.Equal(t, entity.LabelUnbonding, staking.Balance.Values[0].Label)
	assert.Equal(t, "15", staking.Balance.Values[0].Amount)
	assert.Equal(t, true, staking.Balance.Values[0].Meta[entity.MetaUnbonding])

	pools, ok := findFragment(fragments, SourceNompools)
	require.True(t, ok)
	assert.Empty(t, pools.Balance.Values)

	var merged *entity.Balance
	for _, f := range fragments {
		b := balance.MergeFragment(merged, f)
		merged = &b
	}
	assert.Equal(t, big.NewInt(100), merged.Free())
	assert.Equal(t, big.NewInt(40), merged.Locked())
	assert.Equal(t, big.NewInt(60), merged.Transferable())
	for _, v := range merged.Values {
		if v.Label == entity.LabelStaking {
			assert.Equal(t, "25", v.Amount)
		}
	}
}

func TestNativeModuleFetchMissingAccount(t *testing.T) {
	e := newEnv(t)
	m := NewNativeModule(e.deps)
	defer m.Close()

	fragments, err := m.FetchBalances(context.Background(), entity.AddressesByToken{"relay-native": {aliceSS58}})
	require.NoError(t, err)

	base, ok := findFragment(fragments, SourceBase)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"free": "0", "reserved": "0", "frozen": "0"}, valuesByLabel(base))
	assert.False(t, base.Balance.IsPositive())
}

func TestNativeModuleFetchChainError(t *testing.T) {
	e := newEnv(t)
	e.connector.Fail("relay", assert.AnError)
	m := NewNativeModule(e.deps)
	defer m.Close()

	_, err := m.FetchBalances(context.Background(), entity.AddressesByToken{"relay-native": {aliceSS58}})
	require.Error(t, err)
	assert.Contains(t, entity.ChainIDsOf(err), "relay")
}

func TestNativeModuleSkipsInvalidAddress(t *testing.T) {
	e := newEnv(t)
	m := NewNativeModule(e.deps)
	defer m.Close()

	fragments, err := m.FetchBalances(context.Background(), entity.AddressesByToken{"relay-native": {"not-an-address"}})
	require.NoError(t, err)
	_, ok := findFragment(fragments, SourceBase)
	assert.False(t, ok)
}

func TestNativeModuleSubscribe(t *testing.T) {
	e := newEnv(t)
	e.storeAlice(t)
	m := NewNativeModule(e.deps)
	defer m.Close()

	var (
		mu  sync.Mutex
		got []entity.BalanceFragment
	)
	unsubscribe, err := m.Subscribe(context.Background(), entity.AddressesByToken{"relay-native": {aliceSS58}},
		func(fragments []entity.BalanceFragment, err error) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, fragments...)
		})
	require.NoError(t, err)

	// storage queries and pool members
	require.Eventually(t, func() bool { return e.connector.Subscriptions("relay") == 2 }, waitFor, tick)

	encoded, err := codec.Encode(accountInfo{Free: u128(5), Flags: types.NewU128(*newLogicFlag)})
	require.NoError(t, err)
	value := codec.HexEncodeToString(encoded)
	e.connector.Push("relay", storageKey(t, "System", "Account", alice(t)), &value)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		f, ok := findFragment(got, SourceBase)
		return ok && valuesByLabel(f)["free"] == "5"
	}, waitFor, tick)

	unsubscribe()
	assert.Eventually(t, func() bool { return e.connector.Subscriptions("relay") == 0 }, waitFor, tick)
}

func TestNativeSubscriptionFollowsRuntimeUpgrade(t *testing.T) {
	e := newEnv(t)
	e.storeAlice(t)
	m := NewNativeModule(e.deps)
	defer m.Close()

	var (
		mu  sync.Mutex
		got []entity.BalanceFragment
	)
	stop, err := m.SubscribeBalances(context.Background(), entity.AddressesByToken{"relay-native": {aliceSS58}},
		func(fragments []entity.BalanceFragment, err error) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, fragments...)
		})
	require.NoError(t, err)
	defer stop()

	require.Eventually(t, func() bool { return e.connector.Subscriptions("relay") == 2 }, waitFor, tick)

	// System.Account moves to a twox64Concat hasher
	upgraded := relayMetadata()
	upgraded.ID = "relay-2"
	upgraded.Decoded.AsMetadataV14.Pallets[0] = pallet("System", 0, mapItem("Account", twox64Concat))
	e.metadata.Set("relay", upgraded)
	e.metadata.Notify("relay")

	require.Eventually(t, func() bool {
		return e.connector.Unsubscribed() == 2 && e.connector.Subscriptions("relay") == 2
	}, waitFor, tick)

	coder, ok := storagecoder.NewBuilder(upgraded).Build("System", "Account")
	require.True(t, ok)
	key, err := coder.EncodeKey(alice(t))
	require.NoError(t, err)
	require.NotEqual(t, storageKey(t, "System", "Account", alice(t)), key)

	encoded, err := codec.Encode(accountInfo{Free: u128(9), Flags: types.NewU128(*newLogicFlag)})
	require.NoError(t, err)
	value := codec.HexEncodeToString(encoded)
	e.connector.Push("relay", key, &value)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, f := range got {
			if f.Source == SourceBase && valuesByLabel(f)["free"] == "9" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}
