package port

import (
	"context"

	"balance_engine/internal/domain/entity"
)

// EVMClient performs batched balance requests against one EVM network.
type EVMClient interface {
	// GetBalances returns one result per request, in request order. Per-item
	// failures are reported in the result, err is set when the network could
	// not be queried at all.
	GetBalances(ctx context.Context, requests []entity.BalanceRequestItem) ([]entity.BalanceResultItem, error)
}

// EVMClientProvider hands out one cached client per EVM network.
type EVMClientProvider interface {
	GetClient(chain entity.Chain) (EVMClient, error)
}
