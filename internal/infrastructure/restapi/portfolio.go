package restapi

import (
	"errors"
	"strconv"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/utils"
)

// detail formats b with the decimals of its token and prices it when a price
// is known.
func detail(b entity.Balance, token entity.Token, prices port.TokenPriceService) entity.TokenDetail {
	d := entity.TokenDetail{
		TokenID:      b.TokenID,
		TokenSymbol:  token.Symbol,
		Decimals:     token.Decimals,
		Status:       b.Status,
		Free:         utils.FormatBigInt(b.Free(), token.Decimals),
		Reserved:     utils.FormatBigInt(b.Reserved(), token.Decimals),
		Locked:       utils.FormatBigInt(b.Locked(), token.Decimals),
		Transferable: utils.FormatBigInt(b.Transferable(), token.Decimals),
		Total:        utils.FormatBigInt(b.Total(), token.Decimals),
		Values:       b.Values,
	}
	if prices == nil {
		return d
	}
	if price, ok := prices.GetPriceUSD(b.TokenID); ok {
		d.PriceUSD = price
		if total, err := strconv.ParseFloat(d.Total, 64); err == nil {
			d.ValueUSD = total * price
		}
	}
	return d
}

// buildPortfolios groups balances by address and network. Every requested
// address gets a portfolio, even without balances.
func buildPortfolios(balances entity.Balances, addresses []string, registry port.ChainRegistry, prices port.TokenPriceService) []entity.WalletPortfolio {
	tokens := registry.TokensByID()
	byAddress := make(map[string]*entity.WalletPortfolio, len(addresses))
	order := make([]string, 0, len(addresses))
	portfolio := func(address string) *entity.WalletPortfolio {
		p, ok := byAddress[address]
		if !ok {
			p = &entity.WalletPortfolio{WalletAddress: address, BalancesByNetwork: make(map[string]entity.NetworkTokens)}
			byAddress[address] = p
			order = append(order, address)
		}
		return p
	}
	for _, address := range addresses {
		portfolio(address)
	}

	for _, b := range balances.Sorted() {
		d := detail(b, tokens[b.TokenID], prices)
		p := portfolio(b.Address)
		network := b.NetworkID()
		nt := p.BalancesByNetwork[network]
		nt.NetworkID = network
		nt.Tokens = append(nt.Tokens, d)
		nt.TotalValueUSD += d.ValueUSD
		p.BalancesByNetwork[network] = nt
		p.TotalValueUSD += d.ValueUSD
	}

	out := make([]entity.WalletPortfolio, 0, len(order))
	for _, address := range order {
		out = append(out, *byAddress[address])
	}
	return out
}

// balanceErrors flattens err into per-chain API errors.
func balanceErrors(err error) []entity.BalanceError {
	if err == nil {
		return nil
	}
	var out []entity.BalanceError
	var walk func(error)
	walk = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		be := entity.BalanceError{Message: err.Error()}
		var ce *entity.ChainError
		if errors.As(err, &ce) {
			be.ChainID = ce.ChainID
		}
		out = append(out, be)
	}
	walk(err)
	return out
}

// formatBalances formats every balance without grouping.
func formatBalances(balances entity.Balances, registry port.ChainRegistry, prices port.TokenPriceService) []balanceView {
	tokens := registry.TokensByID()
	out := make([]balanceView, 0, len(balances))
	for _, b := range balances.Sorted() {
		out = append(out, balanceView{
			Address:     b.Address,
			NetworkID:   b.NetworkID(),
			TokenDetail: detail(b, tokens[b.TokenID], prices),
		})
	}
	return out
}

type balanceView struct {
	Address   string `json:"address"`
	NetworkID string `json:"networkId"`
	entity.TokenDetail
}

func sumUSD(portfolios []entity.WalletPortfolio) float64 {
	var total float64
	for _, p := range portfolios {
		total += p.TotalValueUSD
	}
	return total
}
