package port

import (
	"context"

	"balance_engine/internal/domain/entity"
)

// FragmentsHandler receives balance fragments produced by a module, or an
// error for the part of the request that failed.
type FragmentsHandler func(fragments []entity.BalanceFragment, err error)

// BalanceModule fetches and watches balances of one token type.
type BalanceModule interface {
	Type() entity.TokenType

	// FetchBalances performs a one-shot query. Fragments of healthy chains are
	// returned even when err is not nil.
	FetchBalances(ctx context.Context, addressesByToken entity.AddressesByToken) ([]entity.BalanceFragment, error)

	// SubscribeBalances keeps the balances fresh until the returned function is
	// called or ctx is done.
	SubscribeBalances(ctx context.Context, addressesByToken entity.AddressesByToken, handler FragmentsHandler) (unsubscribe func(), err error)
}

// BalancesCallback receives every debounced update of a subscription.
type BalancesCallback func(err error, update entity.BalancesUpdate)

// BalanceService is the public balance API.
type BalanceService interface {
	FetchBalances(ctx context.Context, addressesByToken entity.AddressesByToken) (entity.Balances, error)
	SubscribeBalances(ctx context.Context, addressesByToken entity.AddressesByToken, callback BalancesCallback) (unsubscribe func(), err error)
}
