package port

import "balance_engine/internal/domain/entity"

// ChainRegistry provides static lookup tables for chains and tokens.
type ChainRegistry interface {
	ChainsByID() map[string]entity.Chain
	TokensByID() map[string]entity.Token
}
