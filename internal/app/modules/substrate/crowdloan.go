package substrate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"balance_engine/internal/app/port"
	"balance_engine/internal/app/scheduler"
	"balance_engine/internal/app/statequery"
	"balance_engine/internal/app/storagecoder"
	"balance_engine/internal/domain/entity"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/blake2b"
)

const (
	methodGetKeysPaged           = "state_getKeysPaged"
	methodChildGetStorageEntries = "childstate_getStorageEntries"

	fundsPageSize = 1000
)

var childStoragePrefix = []byte(":child_storage:default:")

// crowdloans reports relay chain crowdloan contributions. Contributions live
// in one child trie per fund, which storage subscriptions cannot watch, so the
// source is polled even for subscribed tokens.
type crowdloans struct {
	deps Deps
	// fundLists holds the fund list of each chain for one poll interval, so
	// every chunk of a scheduler cycle shares a single listing.
	fundLists *cache.Cache
}

func newCrowdloans(deps Deps) *crowdloans {
	return &crowdloans{deps: deps, fundLists: cache.New(pollInterval(deps.Scheduler), time.Minute)}
}

func pollInterval(cfg scheduler.Config) time.Duration {
	if cfg.PollInterval <= 0 {
		return 30 * time.Second
	}
	return cfg.PollInterval
}

type fund struct {
	paraID uint32
	index  uint32
}

func (c *crowdloans) fetch(ctx context.Context, addressesByToken entity.AddressesByToken) ([]entity.BalanceFragment, error) {
	var (
		out  []entity.BalanceFragment
		errs []error
	)
	for chainID, pairs := range byChain(c.deps.Registry, addressesByToken) {
		b := storagecoder.NewBuilder(c.deps.Metadata.MetadataFor(chainID, string(entity.TokenTypeSubstrateNative)))
		if !b.HasItem("Crowdloan", "Funds") {
			continue
		}
		fragments, err := c.fetchChain(ctx, chainID, pairs)
		if err != nil {
			errs = append(errs, entity.NewChainError(chainID, "crowdloan", err))
			continue
		}
		out = append(out, fragments...)
	}
	return out, errors.Join(errs...)
}

func (c *crowdloans) fetchChain(ctx context.Context, chainID string, pairs entity.AddressesByToken) ([]entity.BalanceFragment, error) {
	funds, err := c.cachedFunds(ctx, chainID)
	if err != nil {
		return nil, err
	}

	tokens := c.deps.Registry.TokensByID()
	type account struct {
		token   entity.Token
		address string
		keyHex  string
	}
	var accounts []account
	for tokenID, addresses := range pairs {
		for _, address := range addresses {
			accountID, err := DecodeAddress(address)
			if err != nil || len(accountID) != 32 {
				continue
			}
			accounts = append(accounts, account{token: tokens[tokenID], address: address, keyHex: codec.HexEncodeToString(accountID)})
		}
	}
	if len(accounts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(accounts))
	for i, a := range accounts {
		keys[i] = a.keyHex
	}

	values := make([][]entity.AmountWithLabel, len(accounts))
	for _, f := range funds {
		var entries []*string
		if err := c.deps.Connector.Send(ctx, chainID, methodChildGetStorageEntries, []any{fundChildKey(f.index), keys}, &entries); err != nil {
			return nil, err
		}
		for i, entry := range entries {
			if i >= len(accounts) || entry == nil {
				continue
			}
			contributed, err := decodeContribution(*entry)
			if err != nil {
				c.deps.Logger.Error("Failed to decode contribution", "chain", chainID, "para", f.paraID, "error", err)
				continue
			}
			if contributed.Sign() == 0 {
				continue
			}
			values[i] = append(values[i], amount(entity.ValueTypeCrowdloan, "crowdloan", SourceCrowdloan, contributed,
				map[string]any{entity.MetaParaID: f.paraID}))
		}
	}

	out := make([]entity.BalanceFragment, 0, len(accounts))
	for i, a := range accounts {
		out = append(out, *newFragment(a.token, a.address, SourceCrowdloan, values[i]...))
	}
	return out, nil
}

func (c *crowdloans) cachedFunds(ctx context.Context, chainID string) ([]fund, error) {
	if cached, ok := c.fundLists.Get(chainID); ok {
		return cached.([]fund), nil
	}
	funds, err := c.funds(ctx, chainID)
	if err != nil {
		return nil, err
	}
	c.fundLists.SetDefault(chainID, funds)
	return funds, nil
}

// funds lists every open crowdloan fund with its child trie index.
func (c *crowdloans) funds(ctx context.Context, chainID string) ([]fund, error) {
	prefix := codec.HexEncodeToString(storagePrefix("Crowdloan", "Funds"))

	var keys []string
	start := prefix
	for {
		var page []string
		if err := c.deps.Connector.Send(ctx, chainID, methodGetKeysPaged, []any{prefix, fundsPageSize, start}, &page); err != nil {
			return nil, err
		}
		keys = append(keys, page...)
		if len(page) < fundsPageSize {
			break
		}
		start = page[len(page)-1]
	}
	if len(keys) == 0 {
		return nil, nil
	}

	queries := make([]entity.StateQuery[*fund], 0, len(keys))
	for _, key := range keys {
		paraID, err := fundParaID(key)
		if err != nil {
			c.deps.Logger.Warn("Skipping crowdloan fund key", "chain", chainID, "key", key, "error", err)
			continue
		}
		queries = append(queries, entity.StateQuery[*fund]{
			ChainID:  chainID,
			StateKey: key,
			DecodeResult: func(raw []byte) *fund {
				if raw == nil {
					return nil
				}
				index, err := decodeFundIndex(raw)
				if err != nil {
					c.deps.Logger.Error("Failed to decode crowdloan fund", "chain", chainID, "para", paraID, "error", err)
					return nil
				}
				return &fund{paraID: paraID, index: index}
			},
		})
	}

	results, err := statequery.New(c.deps.Connector, queries, c.deps.Logger).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	funds := make([]fund, 0, len(results))
	for _, f := range results {
		if f != nil {
			funds = append(funds, *f)
		}
	}
	return funds, nil
}

// subscribe polls contributions on the scheduler's poll interval.
func (c *crowdloans) subscribe(ctx context.Context, addressesByToken entity.AddressesByToken, handler port.FragmentsHandler) func() {
	interval := pollInterval(c.deps.Scheduler)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				fragments, err := c.fetch(ctx, addressesByToken)
				if ctx.Err() != nil {
					return
				}
				if len(fragments) > 0 || err != nil {
					handler(fragments, err)
				}
				timer.Reset(interval)
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// fundChildKey is the child trie of a fund:
// ":child_storage:default:" ++ blake2_256(("crowdloan", index).encode()).
func fundChildKey(index uint32) string {
	encoded, _ := codec.Encode(types.NewText("crowdloan"))
	idx := make([]byte, 4)
	binary.LittleEndian.PutUint32(idx, index)
	hash := blake2b.Sum256(append(encoded, idx...))
	return codec.HexEncodeToString(append(append([]byte{}, childStoragePrefix...), hash[:]...))
}

// fundParaID reads the para id from a Funds key, the map uses Twox64Concat so
// the key ends in the raw u32.
func fundParaID(key string) (uint32, error) {
	raw, err := codec.HexDecodeString(key)
	if err != nil {
		return 0, err
	}
	if len(raw) < 32+8+4 {
		return 0, fmt.Errorf("funds key too short: %d bytes", len(raw))
	}
	return binary.LittleEndian.Uint32(raw[len(raw)-4:]), nil
}

// decodeContribution reads the amount of a (Balance, memo) contribution.
func decodeContribution(value string) (*big.Int, error) {
	raw, err := codec.HexDecodeString(value)
	if err != nil {
		return nil, err
	}
	if len(raw) < 16 {
		return nil, fmt.Errorf("%w: contribution of %d bytes", entity.ErrDecode, len(raw))
	}
	var contributed types.U128
	if err := codec.Decode(raw[:16], &contributed); err != nil {
		return nil, err
	}
	return bigOf(contributed), nil
}
