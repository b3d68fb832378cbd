package entity

import "math/big"

// BalanceRequestType defines the type of an EVM balance request.
type BalanceRequestType int

const (
	// NativeBalanceRequest requests the native balance of an address.
	NativeBalanceRequest BalanceRequestType = iota
	// TokenBalanceRequest requests the ERC20 balance of an address.
	TokenBalanceRequest
)

// BalanceRequestItem represents a single item in a batched EVM balance request.
type BalanceRequestItem struct {
	TokenID         string
	Type            BalanceRequestType
	Address         string
	ContractAddress string
}

// BalanceResultItem is the result of a single BalanceRequestItem.
type BalanceResultItem struct {
	TokenID string
	Address string
	Balance *big.Int
	Error   error
}
