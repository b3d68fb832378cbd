package metadata

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"balance_engine/internal/domain/entity"

	"github.com/OneOfOne/xxhash"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
)

// DefaultModulePallets lists, per balance module, the pallets whose storage
// and constants the module reads.
var DefaultModulePallets = map[string][]string{
	string(entity.TokenTypeSubstrateNative): {"System", "Balances", "Staking", "NominationPools", "Crowdloan"},
	string(entity.TokenTypeSubstrateAssets): {"Assets"},
}

// ConfigHash identifies a pallet selection independent of its order.
func ConfigHash(pallets []string) string {
	sorted := append([]string(nil), pallets...)
	sort.Strings(sorted)
	sum := xxhash.ChecksumString64(strings.Join(sorted, ","))
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(sum >> (8 * i))
	}
	return hex.EncodeToString(b)
}

// compact keeps storage and constants of the selected pallets only. Every
// pallet keeps its name and index so pallet indices found in runtime enums
// still resolve. The portable type registry (Lookup) is dropped, values are
// decoded into fixed layouts; only the runtime type id is carried over.
func compact(full *types.Metadata, pallets []string) (*types.Metadata, error) {
	if full == nil || full.Version < entity.MinMetadataVersion {
		return nil, fmt.Errorf("%w: unsupported metadata version", entity.ErrMetadataUnavailable)
	}

	keep := make(map[string]bool, len(pallets))
	for _, p := range pallets {
		keep[p] = true
	}

	out := &types.Metadata{
		MagicNumber:   full.MagicNumber,
		Version:       full.Version,
		AsMetadataV14: types.MetadataV14{Type: full.AsMetadataV14.Type},
	}
	for _, p := range full.AsMetadataV14.Pallets {
		mini := types.PalletMetadataV14{Name: p.Name, Index: p.Index}
		if keep[string(p.Name)] {
			mini.HasStorage = p.HasStorage
			mini.Storage = p.Storage
			mini.Constants = p.Constants
		}
		out.AsMetadataV14.Pallets = append(out.AsMetadataV14.Pallets, mini)
	}
	return out, nil
}

// newMiniMetadata compacts full for one module and encodes the result.
func newMiniMetadata(version entity.ChainMetadataVersion, moduleType string, full *types.Metadata, pallets []string) (*entity.MiniMetadata, error) {
	mini, err := compact(full, pallets)
	if err != nil {
		return nil, err
	}
	blob, err := codec.Encode(*mini)
	if err != nil {
		return nil, fmt.Errorf("failed to encode compacted metadata: %w", err)
	}
	return &entity.MiniMetadata{
		ID:              version.ID(),
		Version:         version,
		ModuleType:      moduleType,
		MetadataVersion: mini.Version,
		Blob:            blob,
		Decoded:         mini,
	}, nil
}

func fromRecord(r record) (*entity.MiniMetadata, error) {
	var decoded types.Metadata
	if err := codec.Decode(r.Blob, &decoded); err != nil {
		return nil, fmt.Errorf("%w: metadata blob %s: %v", entity.ErrDecode, r.ID, err)
	}
	return &entity.MiniMetadata{
		ID:              r.ID,
		Version:         r.Version,
		ModuleType:      r.ModuleType,
		MetadataVersion: r.MetadataVersion,
		Blob:            r.Blob,
		Decoded:         &decoded,
	}, nil
}
