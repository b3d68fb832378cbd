package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"balance_engine/internal/app/provider"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/logger"
	"balance_engine/internal/pkg/utils"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type fetchOptions struct {
	tokens    []string
	addresses []string
	timeout   time.Duration
}

type fetchedBalance struct {
	Address      string                   `json:"address"`
	TokenID      string                   `json:"tokenId"`
	NetworkID    string                   `json:"networkId"`
	Symbol       string                   `json:"symbol"`
	Free         string                   `json:"free"`
	Locked       string                   `json:"locked"`
	Transferable string                   `json:"transferable"`
	Total        string                   `json:"total"`
	Values       []entity.AmountWithLabel `json:"values"`
}

type fetchOutput struct {
	Balances []fetchedBalance `json:"balances"`
	Errors   []string         `json:"errors,omitempty"`
}

func newFetchCommand() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetches balances once and prints them as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return fetchFunc(cmd, opts)
		},
	}
	cmd.Flags().StringArrayVarP(&opts.tokens, "token", "t", nil, "token id to query, repeatable; defaults to every token matching the address format")
	cmd.Flags().StringArrayVarP(&opts.addresses, "address", "a", nil, "address to query, repeatable; defaults to addressesFile")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall timeout")
	return cmd
}

func fetchFunc(cmd *cobra.Command, opts *fetchOptions) error {
	a, err := bootstrap(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()
	defer func() { _ = a.zap.Sync() }()

	addresses := opts.addresses
	if len(addresses) == 0 && a.addresses != nil {
		if addresses, err = a.addresses.GetAddresses(); err != nil {
			return err
		}
	}
	if len(addresses) == 0 {
		return fmt.Errorf("%w: no address given", entity.ErrInvalidRequest)
	}

	req := provider.RequestForAddresses(addresses, opts.tokens, a.registry)
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	tokenIDs := make([]string, 0, len(req))
	for id := range req {
		tokenIDs = append(tokenIDs, id)
	}
	if err := a.refreshMetadata(ctx, tokenIDs); err != nil {
		return err
	}

	balances, fetchErr := a.balances.FetchBalances(ctx, req)
	if fetchErr != nil {
		logger.Warn("Some balances could not be fetched", "error", fetchErr)
	}

	out := fetchOutput{Balances: make([]fetchedBalance, 0, len(balances))}
	tokens := a.registry.TokensByID()
	for _, b := range balances.Sorted() {
		token := tokens[b.TokenID]
		out.Balances = append(out.Balances, fetchedBalance{
			Address:      b.Address,
			TokenID:      b.TokenID,
			NetworkID:    b.NetworkID(),
			Symbol:       token.Symbol,
			Free:         utils.FormatBigInt(b.Free(), token.Decimals),
			Locked:       utils.FormatBigInt(b.Locked(), token.Decimals),
			Transferable: utils.FormatBigInt(b.Transferable(), token.Decimals),
			Total:        utils.FormatBigInt(b.Total(), token.Decimals),
			Values:       b.Values,
		})
	}
	if fetchErr != nil {
		if joined, ok := fetchErr.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				out.Errors = append(out.Errors, e.Error())
			}
		} else {
			out.Errors = append(out.Errors, fetchErr.Error())
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	if err == nil && fetchErr != nil && len(balances) == 0 {
		return fetchErr
	}
	return err
}
