package port

import "balance_engine/internal/domain/entity"

// MetadataProvider supplies compacted per-chain, per-module metadata.
type MetadataProvider interface {
	// MetadataFor returns the current metadata snapshot, or nil when none is known.
	MetadataFor(chainID, moduleType string) *entity.MiniMetadata

	// OnChange registers a listener that is called with the ids of chains
	// whose metadata changed. The returned function removes the listener.
	OnChange(listener func(chainIDs []string)) (remove func())
}
