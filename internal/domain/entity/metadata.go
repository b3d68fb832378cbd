package entity

import (
	"encoding/hex"
	"strconv"

	"github.com/OneOfOne/xxhash"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

// ChainMetadataVersion identifies the compacted metadata of one chain runtime
// as seen by one balance module.
type ChainMetadataVersion struct {
	ChainID          string `json:"chainId"`
	SpecName         string `json:"specName"`
	SpecVersion      uint32 `json:"specVersion"`
	ModuleConfigHash string `json:"moduleConfigHash"`
}

// ID is a content address of the version: identical inputs always yield the
// same id, across processes and restarts.
func (v ChainMetadataVersion) ID() string {
	h := xxhash.NewS64(0)
	for _, part := range []string{v.ChainID, v.SpecName, strconv.FormatUint(uint64(v.SpecVersion), 10), v.ModuleConfigHash} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum64()
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(sum >> (8 * i))
	}
	return v.ChainID + "-" + hex.EncodeToString(b)
}

// MinMetadataVersion is the lowest runtime metadata version storage coders
// can be built from.
const MinMetadataVersion = 14

// MiniMetadata is the balance-relevant subset of a chain's runtime metadata.
type MiniMetadata struct {
	ID         string
	Version    ChainMetadataVersion
	ModuleType string
	// MetadataVersion is the runtime metadata format version, e.g. 14.
	MetadataVersion uint8
	// Blob is the SCALE encoded compacted metadata.
	Blob []byte
	// Decoded is Blob decoded once at load time.
	Decoded *types.Metadata
}
