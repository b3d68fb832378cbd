package substrate

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"balance_engine/internal/app/storagecoder"
	"balance_engine/internal/domain/entity"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
)

// SourceAssets is the only source of the substrate-assets module.
const SourceAssets = "substrate-assets/account"

// NewAssetsModule creates the substrate-assets balance module.
func NewAssetsModule(deps Deps) *Module {
	a := &assetQueries{deps: deps}
	return newModule(entity.TokenTypeSubstrateAssets, deps, a.build)
}

type assetQueries struct {
	deps Deps
}

func (a *assetQueries) build(chainID string, meta *entity.MiniMetadata, pairs entity.AddressesByToken) map[string][]fragmentQuery {
	coder, ok := storagecoder.NewBuilder(meta).Build("Assets", "Account")
	if !ok {
		return nil
	}
	tokens := a.deps.Registry.TokensByID()

	out := make(map[string][]fragmentQuery)
	for tokenID, addresses := range pairs {
		token := tokens[tokenID]
		assetID, err := encodeAssetID(token.AssetID)
		if err != nil {
			a.deps.Logger.Warn("Skipping token with invalid asset id", "chain", chainID, "token", tokenID, "error", err)
			continue
		}
		for _, address := range addresses {
			accountID, err := DecodeAddress(address)
			if err != nil {
				a.deps.Logger.Warn("Skipping undecodable address", "chain", chainID, "address", address, "error", err)
				continue
			}
			stateKey, err := coder.EncodeKey(assetID, accountID)
			if err != nil {
				a.deps.Logger.Warn("Skipping asset query", "chain", chainID, "token", tokenID, "error", err)
				continue
			}
			key := entity.BalanceKey(tokenID, address)
			out[key] = append(out[key], fragmentQuery{
				ChainID:  chainID,
				StateKey: stateKey,
				DecodeResult: func(raw []byte) *entity.BalanceFragment {
					return a.decode(coder, token, address, raw)
				},
			})
		}
	}
	return out
}

func (a *assetQueries) decode(coder *storagecoder.StorageCoder, token entity.Token, address string, raw []byte) *entity.BalanceFragment {
	var account assetAccount
	if raw != nil {
		if err := coder.Decode(raw, &account); err != nil {
			a.deps.Logger.Error("Failed to decode asset account", "chain", token.ChainID, "token", token.ID, "address", address, "error", err)
			return newFragment(token, address, SourceAssets)
		}
	}

	balance := bigOf(account.Balance)
	frozen := bigOf(account.Balance)
	if account.Status == 0 {
		frozen.SetInt64(0)
	}
	return newFragment(token, address, SourceAssets,
		amount(entity.ValueTypeFree, "free", SourceAssets, balance, nil),
		amount(entity.ValueTypeLocked, "frozen", SourceAssets, frozen, nil),
	)
}

// encodeAssetID encodes a decimal u32 asset id, or passes through a hex
// encoded id of another type.
func encodeAssetID(assetID string) ([]byte, error) {
	if strings.HasPrefix(assetID, "0x") {
		return codec.HexDecodeString(assetID)
	}
	n, err := strconv.ParseUint(assetID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse asset id %q: %w", assetID, err)
	}
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(n))
	return out, nil
}
