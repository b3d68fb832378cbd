// Package storagecoder builds storage key encoders and value decoders from a
// chain's runtime metadata.
package storagecoder

import (
	"fmt"

	"balance_engine/internal/domain/entity"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
)

// Builder creates StorageCoders for one chain's metadata. A Builder over
// missing or unsupported metadata is valid and builds nothing.
type Builder struct {
	meta *types.Metadata
}

// NewBuilder creates a Builder. meta may be nil.
func NewBuilder(meta *entity.MiniMetadata) *Builder {
	if meta == nil || meta.Decoded == nil || meta.MetadataVersion < entity.MinMetadataVersion {
		return &Builder{}
	}
	if meta.Decoded.Version < entity.MinMetadataVersion {
		return &Builder{}
	}
	return &Builder{meta: meta.Decoded}
}

// Available reports whether the metadata supports building coders at all.
func (b *Builder) Available() bool {
	return b.meta != nil
}

// HasItem probes whether module.item exists on the chain.
func (b *Builder) HasItem(module, item string) bool {
	if b.meta == nil {
		return false
	}
	_, err := b.meta.FindStorageEntryMetadata(module, item)
	return err == nil
}

// Build returns a coder for module.item, or false when the chain does not
// have that storage item. Absence means the feature is not supported on the
// chain, it is not an error.
func (b *Builder) Build(module, item string) (*StorageCoder, bool) {
	if !b.HasItem(module, item) {
		return nil, false
	}
	return &StorageCoder{Module: module, Item: item, meta: b.meta}, true
}

// PalletName resolves a pallet index, as found in runtime enums, to its name.
func (b *Builder) PalletName(index uint8) (string, bool) {
	if b.meta == nil {
		return "", false
	}
	for _, pallet := range b.meta.AsMetadataV14.Pallets {
		if uint8(pallet.Index) == index {
			return string(pallet.Name), true
		}
	}
	return "", false
}

// Constant returns the SCALE encoded value of a pallet constant.
func (b *Builder) Constant(pallet, name string) ([]byte, bool) {
	if b.meta == nil {
		return nil, false
	}
	for _, p := range b.meta.AsMetadataV14.Pallets {
		if string(p.Name) != pallet {
			continue
		}
		for _, c := range p.Constants {
			if string(c.Name) == name {
				return c.Value, true
			}
		}
	}
	return nil, false
}

// StorageCoder encodes keys for and decodes values of one storage item.
type StorageCoder struct {
	Module string
	Item   string
	meta   *types.Metadata
}

// EncodeKey builds the hex storage key. Each arg is the SCALE encoding of one
// map key; the metadata's hashers are applied to them.
func (c *StorageCoder) EncodeKey(args ...[]byte) (string, error) {
	key, err := types.CreateStorageKey(c.meta, c.Module, c.Item, args...)
	if err != nil {
		return "", fmt.Errorf("encode %s.%s key: %w", c.Module, c.Item, err)
	}
	return entity.NormalizeStateKey(codec.HexEncodeToString(key)), nil
}

// Decode decodes a raw storage value into target.
func (c *StorageCoder) Decode(raw []byte, target any) error {
	if err := codec.Decode(raw, target); err != nil {
		return fmt.Errorf("%w: %s.%s: %v", entity.ErrDecode, c.Module, c.Item, err)
	}
	return nil
}
