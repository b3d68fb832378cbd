package provider

import (
	"fmt"
	"sort"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/infrastructure/configloader"
	networkdefinition "balance_engine/internal/infrastructure/network/definition"
	"balance_engine/internal/infrastructure/tokenloader"
)

type chainRegistryImpl struct {
	chains map[string]entity.Chain
	tokens map[string]entity.Token
}

// NewChainRegistry builds the registry of active chains and their tokens.
//
// A chain is active when the config lists it, a token file exists for it or
// a configured token lives on it; with none of these every built-in chain is
// active. Configured chains are merged over the built-in definition of the
// same id. Every active chain gets its native token; tokens from files and
// then from the config are layered on top by id.
func NewChainRegistry(cfg *configloader.Config, logger port.Logger) (port.ChainRegistry, error) {
	r := &chainRegistryImpl{
		chains: make(map[string]entity.Chain),
		tokens: make(map[string]entity.Token),
	}
	priceAddresses := make(map[string]string)

	activate := func(id string) bool {
		if _, ok := r.chains[id]; ok {
			return true
		}
		def, ok := networkdefinition.Lookup(id)
		if !ok {
			return false
		}
		r.chains[id] = def.Chain
		priceAddresses[id] = def.WrappedNativeTokenAddress
		return true
	}

	for _, override := range cfg.Chains {
		base, ok := networkdefinition.Lookup(override.ID)
		if ok {
			priceAddresses[override.ID] = base.WrappedNativeTokenAddress
		}
		chain := mergeChain(base.Chain, override)
		if chain.Kind == "" {
			chain.Kind = entity.ChainKindSubstrate
		}
		if chain.Kind == entity.ChainKindEVM && chain.EVMChainID == 0 {
			return nil, fmt.Errorf("chain %s: evmChainId is required for evm chains", chain.ID)
		}
		r.chains[chain.ID] = chain
	}

	loader := tokenloader.NewTokenLoader(cfg.TokensDir, logger)
	fileNetworks, err := loader.NetworkIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range fileNetworks {
		if !activate(id) {
			logger.Warn("Token file found for network but no chain definition exists, skipping", "network", id)
		}
	}
	for _, token := range cfg.Tokens {
		if !activate(token.NetworkID()) {
			return nil, fmt.Errorf("token %s: unknown network %s", token.ID, token.NetworkID())
		}
	}

	if len(r.chains) == 0 {
		logger.Warn("No chains configured and no token files found, activating every built-in chain")
		for _, id := range networkdefinition.IDs() {
			activate(id)
		}
	}

	for _, chain := range r.chains {
		native := networkdefinition.NativeToken(chain, priceAddresses[chain.ID])
		r.tokens[native.ID] = native
	}

	fileTokens, err := loader.LoadTokens(r.chains)
	if err != nil {
		return nil, err
	}
	for _, token := range fileTokens {
		if err := r.checkToken(token); err != nil {
			logger.Warn("Skipping invalid token from file", "token", token.ID, "error", err)
			continue
		}
		r.tokens[token.ID] = token
	}
	for _, token := range cfg.Tokens {
		if err := r.checkToken(token); err != nil {
			return nil, err
		}
		r.tokens[token.ID] = token
	}

	ids := make([]string, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	logger.Info("Chain registry initialized", "chains", ids, "tokens", len(r.tokens))
	return r, nil
}

// mergeChain overlays the set fields of override on base.
func mergeChain(base, override entity.Chain) entity.Chain {
	out := base
	out.ID = override.ID
	if override.Name != "" {
		out.Name = override.Name
	}
	if override.Kind != "" {
		out.Kind = override.Kind
	}
	if override.EVMChainID != 0 {
		out.EVMChainID = override.EVMChainID
	}
	if override.NativeSymbol != "" {
		out.NativeSymbol = override.NativeSymbol
	}
	if override.Decimals != 0 {
		out.Decimals = override.Decimals
	}
	if override.PrimaryRPCURL != "" {
		out.PrimaryRPCURL = override.PrimaryRPCURL
		out.FallbackRPCURLs = nil
	}
	if len(override.FallbackRPCURLs) > 0 {
		out.FallbackRPCURLs = override.FallbackRPCURLs
	}
	if override.SortIndex != 0 {
		out.SortIndex = override.SortIndex
	}
	if override.DEXScreenerChainID != "" {
		out.DEXScreenerChainID = override.DEXScreenerChainID
	}
	return out
}

// checkToken verifies that token fits the kind of its chain and carries the
// fields its module needs.
func (r *chainRegistryImpl) checkToken(token entity.Token) error {
	chain, ok := r.chains[token.NetworkID()]
	if !ok {
		return fmt.Errorf("token %s: unknown network %s", token.ID, token.NetworkID())
	}
	wantKind := entity.ChainKindSubstrate
	switch token.Type {
	case entity.TokenTypeSubstrateNative:
	case entity.TokenTypeSubstrateAssets:
		if token.AssetID == "" {
			return fmt.Errorf("token %s: assetId is required", token.ID)
		}
	case entity.TokenTypeEVMNative:
		wantKind = entity.ChainKindEVM
	case entity.TokenTypeEVMERC20:
		wantKind = entity.ChainKindEVM
		if token.ContractAddress == "" {
			return fmt.Errorf("token %s: contractAddress is required", token.ID)
		}
	default:
		return fmt.Errorf("token %s: unknown type %q", token.ID, token.Type)
	}
	if chain.Kind != wantKind {
		return fmt.Errorf("token %s: type %s does not fit %s chain %s", token.ID, token.Type, chain.Kind, chain.ID)
	}
	if wantKind == entity.ChainKindEVM && token.EVMNetworkID == "" {
		return fmt.Errorf("token %s: evm tokens are addressed by evmNetworkId", token.ID)
	}
	if wantKind == entity.ChainKindSubstrate && token.ChainID == "" {
		return fmt.Errorf("token %s: substrate tokens are addressed by chainId", token.ID)
	}
	return nil
}

// ChainsByID implements port.ChainRegistry.
func (r *chainRegistryImpl) ChainsByID() map[string]entity.Chain { return r.chains }

// TokensByID implements port.ChainRegistry.
func (r *chainRegistryImpl) TokensByID() map[string]entity.Token { return r.tokens }
