package restapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"balance_engine/internal/app/port"
	"balance_engine/internal/app/provider"
	"balance_engine/internal/domain/entity"

	"github.com/gin-gonic/gin"
)

const streamKeepAlive = 15 * time.Second

// APIPortfolioResponse is the response of the portfolios endpoint.
type APIPortfolioResponse struct {
	Data struct {
		Portfolios    []entity.WalletPortfolio `json:"portfolios"`
		TotalValueUSD float64                  `json:"totalValueUSD"`
	} `json:"data"`
	ServiceErrors []entity.BalanceError `json:"service_errors,omitempty"`
	StatusMessage string                `json:"status_message"`
}

// APIBalancesResponse is returned by the one-shot balances endpoint.
type APIBalancesResponse struct {
	Data          []balanceView         `json:"data"`
	ServiceErrors []entity.BalanceError `json:"service_errors,omitempty"`
}

// BalancesRequest is the body of POST /balances.
type BalancesRequest struct {
	AddressesByToken entity.AddressesByToken `json:"addressesByToken" binding:"required"`
}

type streamPayload struct {
	Status entity.SubscriptionStatus `json:"status"`
	Data   []balanceView             `json:"data"`
	Errors []entity.BalanceError     `json:"errors,omitempty"`
}

// BalanceHandler serves the balance endpoints.
type BalanceHandler struct {
	balances  port.BalanceService
	registry  port.ChainRegistry
	prices    port.TokenPriceService
	addresses port.AddressProvider
	logger    port.Logger
}

// NewBalanceHandler creates a BalanceHandler. prices and addresses may be nil.
func NewBalanceHandler(
	balances port.BalanceService,
	registry port.ChainRegistry,
	prices port.TokenPriceService,
	addresses port.AddressProvider,
	logger port.Logger,
) *BalanceHandler {
	return &BalanceHandler{
		balances:  balances,
		registry:  registry,
		prices:    prices,
		addresses: addresses,
		logger:    logger,
	}
}

func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, entity.ErrInvalidRequest) {
		status = http.StatusBadRequest
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// defaultAddresses returns the addresses of the query, or the tracked ones.
func (h *BalanceHandler) defaultAddresses(c *gin.Context) ([]string, error) {
	if addresses := c.QueryArray("address"); len(addresses) > 0 {
		return addresses, nil
	}
	if h.addresses == nil {
		return nil, fmt.Errorf("%w: no address given", entity.ErrInvalidRequest)
	}
	addresses, err := h.addresses.GetAddresses()
	if err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: no address given and none tracked", entity.ErrInvalidRequest)
	}
	return addresses, nil
}

// requestFromQuery builds the request of ?address=..&token=.. queries. Without
// tokens, every token fitting the account format of an address is queried.
func (h *BalanceHandler) requestFromQuery(c *gin.Context) (entity.AddressesByToken, []string, error) {
	addresses, err := h.defaultAddresses(c)
	if err != nil {
		return nil, nil, err
	}
	req := provider.RequestForAddresses(addresses, c.QueryArray("token"), h.registry)
	return req, addresses, nil
}

// GetPortfoliosHandler returns the priced balances of the given or tracked
// addresses grouped by network.
func (h *BalanceHandler) GetPortfoliosHandler(c *gin.Context) {
	req, addresses, err := h.requestFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	balances, err := h.balances.FetchBalances(c.Request.Context(), req)
	if err != nil && errors.Is(err, entity.ErrInvalidRequest) {
		abortWithError(c, err)
		return
	}
	portfolios := buildPortfolios(balances, addresses, h.registry, h.prices)
	serviceErrors := balanceErrors(err)

	var response APIPortfolioResponse
	response.Data.Portfolios = portfolios
	response.Data.TotalValueUSD = sumUSD(portfolios)
	response.ServiceErrors = serviceErrors

	switch {
	case len(serviceErrors) > 0 && len(balances) == 0:
		response.StatusMessage = "Failed to retrieve any balances due to service errors."
	case len(serviceErrors) > 0:
		response.StatusMessage = "Portfolios retrieved. Some chains encountered errors."
	case len(balances) == 0:
		response.StatusMessage = "No balance data found. Check the address list and chain/token configuration."
	default:
		response.StatusMessage = "Portfolios retrieved successfully."
	}

	c.JSON(http.StatusOK, response)
}

// PostBalancesHandler fetches the balances of an explicit request once.
func (h *BalanceHandler) PostBalancesHandler(c *gin.Context) {
	var body BalancesRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", entity.ErrInvalidRequest, err))
		return
	}

	balances, err := h.balances.FetchBalances(c.Request.Context(), body.AddressesByToken)
	if err != nil && errors.Is(err, entity.ErrInvalidRequest) {
		abortWithError(c, err)
		return
	}
	status := http.StatusOK
	if err != nil && len(balances) == 0 {
		status = http.StatusBadGateway
	}
	c.JSON(status, APIBalancesResponse{
		Data:          formatBalances(balances, h.registry, h.prices),
		ServiceErrors: balanceErrors(err),
	})
}

// StreamBalancesHandler subscribes to balances and streams every update as
// a server-sent "balances" event until the client disconnects.
func (h *BalanceHandler) StreamBalancesHandler(c *gin.Context) {
	req, _, err := h.requestFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	ctx := c.Request.Context()

	var (
		mu      sync.Mutex
		pending *entity.BalancesUpdate
		errs    []error
	)
	wake := make(chan struct{}, 1)
	unsubscribe, err := h.balances.SubscribeBalances(ctx, req, func(err error, update entity.BalancesUpdate) {
		mu.Lock()
		pending = &update
		if err != nil {
			errs = append(errs, err)
		}
		mu.Unlock()
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer unsubscribe()
	h.logger.Debug("Balance stream opened", "tokens", len(req), "remote", c.ClientIP())

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("Balance stream closed", "remote", c.ClientIP())
			return
		case <-keepAlive.C:
			_, _ = c.Writer.WriteString(": keep-alive\n\n")
			c.Writer.Flush()
		case <-wake:
			mu.Lock()
			update, streamErr := pending, errors.Join(errs...)
			pending, errs = nil, nil
			mu.Unlock()
			if update == nil {
				continue
			}
			c.SSEvent("balances", streamPayload{
				Status: update.Status,
				Data:   formatBalances(update.Data, h.registry, h.prices),
				Errors: balanceErrors(streamErr),
			})
			c.Writer.Flush()
		}
	}
}

// GetChainsHandler lists the active chains.
func (h *BalanceHandler) GetChainsHandler(c *gin.Context) {
	chains := make([]entity.Chain, 0, len(h.registry.ChainsByID()))
	for _, chain := range h.registry.ChainsByID() {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool {
		if chains[i].SortIndex != chains[j].SortIndex {
			return chains[i].SortIndex < chains[j].SortIndex
		}
		return chains[i].ID < chains[j].ID
	})
	c.JSON(http.StatusOK, gin.H{"data": chains})
}

// GetTokensHandler lists the known tokens, optionally of one network.
func (h *BalanceHandler) GetTokensHandler(c *gin.Context) {
	network := c.Query("network")
	tokens := make([]entity.Token, 0, len(h.registry.TokensByID()))
	for _, token := range h.registry.TokensByID() {
		if network != "" && token.NetworkID() != network {
			continue
		}
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID < tokens[j].ID })
	c.JSON(http.StatusOK, gin.H{"data": tokens})
}
