package client

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/metrics"
	"balance_engine/internal/pkg/utils"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// maxBatchSize bounds the elements of one JSON-RPC batch; public endpoints
// commonly reject larger batches.
const maxBatchSize = 100

// EVMClient implements port.EVMClient for one EVM network.
type EVMClient struct {
	ethClient      *ethclient.Client
	chain          entity.Chain
	limiter        *rate.Limiter
	rpcCallTimeout time.Duration
}

// ERC20 ABI minimal part for balanceOf
const erc20ABI = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"}]`

var (
	parsedERC20ABI  abi.ABI
	parsedERC20Once sync.Once
	erc20MethodID   []byte
)

func initParsedERC20ABI() {
	parsedERC20Once.Do(func() {
		var err error
		parsedERC20ABI, err = abi.JSON(strings.NewReader(erc20ABI))
		if err != nil {
			panic(fmt.Sprintf("failed to parse ERC20 ABI: %v", err))
		}
		balanceOfMethod, ok := parsedERC20ABI.Methods["balanceOf"]
		if !ok {
			panic("balanceOf method not found in parsed ERC20 ABI")
		}
		erc20MethodID = balanceOfMethod.ID
	})
}

// NewEVMClient dials the first reachable RPC endpoint of chain.
func NewEVMClient(chain entity.Chain, limiter *rate.Limiter, connectionTimeout, rpcCallTimeout time.Duration) (*EVMClient, error) {
	initParsedERC20ABI()
	var lastErr error = entity.ErrChainUnavailable

	for _, rpcURL := range chain.RPCURLs() {
		ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
		client, err := ethclient.DialContext(ctx, rpcURL)
		cancel()

		if err == nil {
			return &EVMClient{ethClient: client, chain: chain, limiter: limiter, rpcCallTimeout: rpcCallTimeout}, nil
		}
		lastErr = fmt.Errorf("failed to connect to RPC %s: %w", rpcURL, err)
	}

	return nil, fmt.Errorf("all RPC connection attempts failed for network %s: %w", chain.ID, lastErr)
}

// GetBalances fetches multiple balances using JSON-RPC batch requests.
func (c *EVMClient) GetBalances(ctx context.Context, requests []entity.BalanceRequestItem) ([]entity.BalanceResultItem, error) {
	results := make([]entity.BalanceResultItem, 0, len(requests))
	for _, batch := range utils.Batch(requests, maxBatchSize) {
		batchResults, err := c.getBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		results = append(results, batchResults...)
	}
	return results, nil
}

func (c *EVMClient) getBatch(ctx context.Context, requests []entity.BalanceRequestItem) ([]entity.BalanceResultItem, error) {
	batchElems := make([]rpc.BatchElem, 0, len(requests))
	// elemOf maps a request to its batch element, -1 for requests not sent.
	elemOf := make([]int, len(requests))
	results := make([]entity.BalanceResultItem, len(requests))

	for i, reqItem := range requests {
		results[i] = entity.BalanceResultItem{TokenID: reqItem.TokenID, Address: reqItem.Address}
		elemOf[i] = len(batchElems)

		switch reqItem.Type {
		case entity.NativeBalanceRequest:
			batchElems = append(batchElems, rpc.BatchElem{
				Method: "eth_getBalance",
				Args:   []interface{}{common.HexToAddress(reqItem.Address), "latest"},
				Result: new(*hexutil.Big),
			})
		case entity.TokenBalanceRequest:
			paddedAddress := common.LeftPadBytes(common.HexToAddress(reqItem.Address).Bytes(), 32)
			callData := append(append([]byte{}, erc20MethodID...), paddedAddress...)

			callArgs := map[string]interface{}{
				"to":   common.HexToAddress(reqItem.ContractAddress),
				"data": hexutil.Bytes(callData),
			}
			batchElems = append(batchElems, rpc.BatchElem{
				Method: "eth_call",
				Args:   []interface{}{callArgs, "latest"},
				Result: new(hexutil.Bytes),
			})
		default:
			elemOf[i] = -1
			results[i].Error = fmt.Errorf("unknown balance request type: %v for %s", reqItem.Type, reqItem.TokenID)
		}
	}
	if len(batchElems) == 0 {
		return results, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	rpcCallCtx, cancel := context.WithTimeout(ctx, c.rpcCallTimeout)
	defer cancel()

	start := time.Now()
	err := c.ethClient.Client().BatchCallContext(rpcCallCtx, batchElems)
	metrics.RPCLatency.WithLabelValues(c.chain.ID, "batch").Observe(time.Since(start).Seconds())
	metrics.RPCCallsTotal.WithLabelValues(c.chain.ID, "batch").Inc()
	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(c.chain.ID, "batch").Inc()
		return nil, fmt.Errorf("RPC batch call failed: %w", err)
	}

	for i := range requests {
		if elemOf[i] < 0 {
			continue
		}
		elem := batchElems[elemOf[i]]
		if elem.Error != nil {
			results[i].Error = fmt.Errorf("failed to fetch %s for %s: %w", requests[i].TokenID, requests[i].Address, elem.Error)
			continue
		}

		switch requests[i].Type {
		case entity.NativeBalanceRequest:
			if result, ok := elem.Result.(**hexutil.Big); ok && result != nil && *result != nil {
				results[i].Balance = (*big.Int)(*result)
			} else {
				results[i].Error = fmt.Errorf("failed to decode native balance for %s: unexpected type or nil result", requests[i].TokenID)
			}
		case entity.TokenBalanceRequest:
			result, ok := elem.Result.(*hexutil.Bytes)
			if !ok || result == nil {
				results[i].Error = fmt.Errorf("failed to decode token balance for %s: unexpected type or nil result", requests[i].TokenID)
				continue
			}
			balance, err := unpackBalanceOf(*result)
			if err != nil {
				results[i].Error = fmt.Errorf("token %s: %w", requests[i].TokenID, err)
				continue
			}
			results[i].Balance = balance
		}
	}
	return results, nil
}

// unpackBalanceOf decodes a balanceOf return value. An empty result, as
// returned for addresses without code, is a zero balance.
func unpackBalanceOf(raw []byte) (*big.Int, error) {
	if len(raw) == 0 {
		return big.NewInt(0), nil
	}
	unpacked, err := parsedERC20ABI.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf result %s: %v", entity.ErrDecode, hexutil.Encode(raw), err)
	}
	if len(unpacked) == 0 {
		return nil, fmt.Errorf("%w: balanceOf returned no data", entity.ErrDecode)
	}
	balance, ok := unpacked[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: balanceOf returned %T", entity.ErrDecode, unpacked[0])
	}
	return balance, nil
}

// Chain returns the chain this client is connected to.
func (c *EVMClient) Chain() entity.Chain {
	return c.chain
}

// Close closes the underlying connection.
func (c *EVMClient) Close() {
	c.ethClient.Close()
}

var _ port.EVMClient = (*EVMClient)(nil)
