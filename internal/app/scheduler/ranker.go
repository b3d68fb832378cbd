package scheduler

import (
	"sort"

	"balance_engine/internal/app/port"
)

// ChainRanker ranks tokens by the SortIndex of their chain, relay and public
// goods chains first, then by token id.
type ChainRanker struct {
	registry port.ChainRegistry
}

func NewChainRanker(registry port.ChainRegistry) *ChainRanker {
	return &ChainRanker{registry: registry}
}

func (r *ChainRanker) ChainOf(tokenID string) string {
	return r.registry.TokensByID()[tokenID].NetworkID()
}

func (r *ChainRanker) Rank(tokenIDs []string) []string {
	tokens := r.registry.TokensByID()
	chains := r.registry.ChainsByID()

	sortIndex := func(tokenID string) int {
		chain, ok := chains[tokens[tokenID].NetworkID()]
		if !ok {
			return int(^uint(0) >> 1)
		}
		return chain.SortIndex
	}

	out := append([]string(nil), tokenIDs...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := sortIndex(out[i]), sortIndex(out[j])
		if si != sj {
			return si < sj
		}
		return out[i] < out[j]
	})
	return out
}
