package substrate

import (
	"context"
	"testing"

	"balance_engine/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetsModuleFetch(t *testing.T) {
	tests := []struct {
		name       string
		account    *assetAccount
		wantFree   string
		wantFrozen string
	}{
		{name: "liquid", account: &assetAccount{Balance: u128(5000)}, wantFree: "5000", wantFrozen: "0"},
		{name: "frozen", account: &assetAccount{Balance: u128(5000), Status: 1}, wantFree: "5000", wantFrozen: "5000"},
		{name: "no account", wantFree: "0", wantFrozen: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			if tt.account != nil {
				e.store(t, "Assets", "Account", *tt.account, u32LE(1984), alice(t))
			}
			m := NewAssetsModule(e.deps)
			defer m.Close()

			fragments, err := m.FetchBalances(context.Background(), entity.AddressesByToken{
				"relay-usdt":   {aliceSS58},
				"relay-native": {aliceSS58},
			})
			require.NoError(t, err)
			require.Len(t, fragments, 1)
			assert.Equal(t, SourceAssets, fragments[0].Source)
			assert.Equal(t, "relay-usdt", fragments[0].Balance.TokenID)
			assert.Equal(t, map[string]string{"free": tt.wantFree, "frozen": tt.wantFrozen}, valuesByLabel(fragments[0]))
		})
	}
}

func TestEncodeAssetID(t *testing.T) {
	got, err := encodeAssetID("1984")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc0, 0x07, 0, 0}, got)

	got, err = encodeAssetID("0x0102")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)

	_, err = encodeAssetID("usdt")
	assert.Error(t, err)
}
