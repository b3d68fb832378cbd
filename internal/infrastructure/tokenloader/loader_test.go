package tokenloader

import (
	"os"
	"path/filepath"
	"testing"

	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var chains = map[string]entity.Chain{
	"polkadot-asset-hub": {ID: "polkadot-asset-hub", Kind: entity.ChainKindSubstrate},
	"moonbeam":           {ID: "moonbeam", Kind: entity.ChainKindEVM},
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadTokens(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "polkadot-asset-hub.json", `[
		{"id": "usdt-ah", "symbol": "USDT", "decimals": 6, "assetId": "1984"},
		{"id": "ksm-ah", "chainId": "kusama-asset-hub", "assetId": "1"},
		{"symbol": "NOID"}
	]`)
	writeFile(t, dir, "Moonbeam.JSON", `[
		{"id": "usdc-glmr", "symbol": "USDC", "decimals": 6, "contractAddress": "0x931715FEE2d06333043d11F658C8CE934aC61D0c"}
	]`)
	writeFile(t, dir, "solana.json", `[{"id": "sol"}]`)
	writeFile(t, dir, "notes.txt", "ignored")

	loader := NewTokenLoader(dir, logger.NewNop())

	ids, err := loader.NetworkIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"moonbeam", "polkadot-asset-hub", "solana"}, ids)

	tokens, err := loader.LoadTokens(chains)
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	usdc, usdt := tokens[0], tokens[1]
	assert.Equal(t, "usdc-glmr", usdc.ID)
	assert.Equal(t, entity.TokenTypeEVMERC20, usdc.Type)
	assert.Equal(t, "moonbeam", usdc.EVMNetworkID)
	assert.Empty(t, usdc.ChainID)

	assert.Equal(t, "usdt-ah", usdt.ID)
	assert.Equal(t, entity.TokenTypeSubstrateAssets, usdt.Type)
	assert.Equal(t, "polkadot-asset-hub", usdt.ChainID)
	assert.Equal(t, "1984", usdt.AssetID)
	assert.Equal(t, uint8(6), usdt.Decimals)
}

func TestLoadTokensMissingDirectory(t *testing.T) {
	loader := NewTokenLoader(filepath.Join(t.TempDir(), "missing"), logger.NewNop())
	tokens, err := loader.LoadTokens(chains)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	tokens, err = NewTokenLoader("", logger.NewNop()).LoadTokens(chains)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestLoadTokensMalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "moonbeam.json", `{"id": "not a list"}`)

	_, err := NewTokenLoader(dir, logger.NewNop()).LoadTokens(chains)
	assert.Error(t, err)
}
