package substrate

import (
	"math/big"
	"testing"
	"time"

	"balance_engine/internal/app/port/porttest"
	"balance_engine/internal/app/scheduler"
	"balance_engine/internal/app/storagecoder"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/logger"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	blake2Concat = types.StorageHasherV10{IsBlake2_128Concat: true}
	twox64Concat = types.StorageHasherV10{IsTwox64Concat: true}
)

func mapItem(name string, hashers ...types.StorageHasherV10) types.StorageEntryMetadataV14 {
	return types.StorageEntryMetadataV14{
		Name: types.Text(name),
		Type: types.StorageEntryTypeV14{IsMap: true, AsMap: types.MapTypeV14{Hashers: hashers}},
	}
}

func pallet(name string, index uint8, items ...types.StorageEntryMetadataV14) types.PalletMetadataV14 {
	return types.PalletMetadataV14{
		Name:       types.Text(name),
		Index:      types.U8(index),
		HasStorage: len(items) > 0,
		Storage:    types.StorageMetadataV14{Prefix: types.Text(name), Items: items},
	}
}

// relayMetadata describes a relay chain with balances, staking and pools.
func relayMetadata() *entity.MiniMetadata {
	return &entity.MiniMetadata{
		ID:              "relay-1",
		ModuleType:      string(entity.TokenTypeSubstrateNative),
		MetadataVersion: 14,
		Decoded: &types.Metadata{
			Version: 14,
			AsMetadataV14: types.MetadataV14{Pallets: []types.PalletMetadataV14{
				pallet("System", 0, mapItem("Account", blake2Concat)),
				pallet("Balances", 5, mapItem("Locks", blake2Concat), mapItem("Freezes", blake2Concat)),
				pallet("Staking", 7, mapItem("Ledger", blake2Concat)),
				pallet("NominationPools", 39,
					mapItem("PoolMembers", twox64Concat),
					mapItem("BondedPools", twox64Concat),
					mapItem("Metadata", twox64Concat),
				),
				pallet("Assets", 50, mapItem("Account", blake2Concat, blake2Concat)),
			}},
		},
	}
}

type env struct {
	registry  *porttest.Registry
	metadata  *porttest.Metadata
	connector *porttest.Connector
	deps      Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		registry: porttest.NewRegistry(
			[]entity.Chain{{ID: "relay", Kind: entity.ChainKindSubstrate}},
			[]entity.Token{
				{ID: "relay-native", Type: entity.TokenTypeSubstrateNative, ChainID: "relay", Symbol: "DOT", Decimals: 10},
				{ID: "relay-usdt", Type: entity.TokenTypeSubstrateAssets, ChainID: "relay", Symbol: "USDT", Decimals: 6, AssetID: "1984"},
			},
		),
		metadata:  porttest.NewMetadata(),
		connector: porttest.NewConnector(),
	}
	e.metadata.Set("relay", relayMetadata())
	cfg := scheduler.DefaultConfig()
	cfg.PollInterval = time.Hour
	e.deps = Deps{
		Connector: e.connector,
		Registry:  e.registry,
		Metadata:  e.metadata,
		Scheduler: cfg,
		Logger:    logger.NewNop(),
	}
	return e
}

// rawValue is stored as is, without SCALE encoding.
type rawValue []byte

// store encodes value and stores it under module.item(args...).
func (e *env) store(t *testing.T, module, item string, value any, args ...[]byte) string {
	t.Helper()
	key := storageKey(t, module, item, args...)
	encoded, ok := value.(rawValue)
	if !ok {
		var err error
		encoded, err = codec.Encode(value)
		require.NoError(t, err)
	}
	e.connector.SetStorage("relay", key, codec.HexEncodeToString(encoded))
	return key
}

func storageKey(t *testing.T, module, item string, args ...[]byte) string {
	t.Helper()
	coder, ok := storagecoder.NewBuilder(relayMetadata()).Build(module, item)
	require.True(t, ok)
	key, err := coder.EncodeKey(args...)
	require.NoError(t, err)
	return key
}

func u128(v int64) types.U128 {
	return types.NewU128(*big.NewInt(v))
}

func alice(t *testing.T) []byte {
	t.Helper()
	raw, err := DecodeAddress(aliceSS58)
	require.NoError(t, err)
	return raw
}

func u32LE(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func findFragment(fragments []entity.BalanceFragment, source string) (entity.BalanceFragment, bool) {
	for _, f := range fragments {
		if f.Source == source {
			return f, true
		}
	}
	return entity.BalanceFragment{}, false
}
