package port

import "context"

// SubscriptionHandler receives the raw JSON result of every notification of
// a subscription, or the error that ended it.
type SubscriptionHandler func(result []byte, err error)

// ChainConnector is the per-chain JSON-RPC transport.
type ChainConnector interface {
	// Send performs a single request and decodes the result into result.
	Send(ctx context.Context, chainID, method string, params []any, result any) error

	// Subscribe opens a subscription. Notifications are delivered to handler
	// until the returned unsubscribe function is called or ctx is done.
	// The context bounds the subscription request only when it carries a
	// deadline; cancelling it also ends the subscription.
	Subscribe(ctx context.Context, chainID, subscribeMethod, responseMethod string, params []any, handler SubscriptionHandler) (unsubscribe func(), err error)
}
