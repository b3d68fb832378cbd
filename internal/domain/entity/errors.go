package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned for malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownToken is returned when a token id is not in the registry.
	ErrUnknownToken = errors.New("unknown token")
	// ErrUnknownChain is returned when a chain id is not in the registry.
	ErrUnknownChain = errors.New("unknown chain")
	// ErrChainUnavailable is returned when no RPC endpoint of a chain answers.
	ErrChainUnavailable = errors.New("chain unavailable")
	// ErrMetadataUnavailable is returned when a chain has no usable metadata.
	ErrMetadataUnavailable = errors.New("metadata unavailable")
	// ErrDecode is returned for values that do not match the expected layout.
	ErrDecode = errors.New("decode failed")
	// ErrClosed is returned by operations on a stopped component.
	ErrClosed = errors.New("closed")
)

// ChainError wraps an error with the chain and operation it occurred in.
type ChainError struct {
	ChainID string
	Op      string
	// TokenIDs lists the tokens affected by the failure, if known.
	TokenIDs []string
	Err      error
}

// NewChainError creates a ChainError.
func NewChainError(chainID, op string, err error) *ChainError {
	return &ChainError{ChainID: chainID, Op: op, Err: err}
}

func (e *ChainError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("chain %s: %s: %v", e.ChainID, e.Op, e.Err)
	}
	return fmt.Sprintf("chain %s: %v", e.ChainID, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// Is matches another ChainError with the same chain, or any wrapped error.
func (e *ChainError) Is(target error) bool {
	t, ok := target.(*ChainError)
	if !ok {
		return false
	}
	return t.ChainID == e.ChainID && (t.Op == "" || t.Op == e.Op)
}

// ChainIDsOf collects the chain ids of every ChainError in err, including
// errors joined with errors.Join.
func ChainIDsOf(err error) []string {
	if err == nil {
		return nil
	}
	var ids []string
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if ce, ok := err.(*ChainError); ok {
			ids = append(ids, ce.ChainID)
			return
		}
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range x.Unwrap() {
				walk(e)
			}
		case interface{ Unwrap() error }:
			walk(x.Unwrap())
		}
	}
	walk(err)
	return ids
}

// BalanceError is a per-token failure reported by the REST API.
type BalanceError struct {
	TokenID string `json:"tokenId,omitempty"`
	ChainID string `json:"chainId,omitempty"`
	Message string `json:"message"`
}
