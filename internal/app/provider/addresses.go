package provider

import (
	"sort"
	"strings"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
)

// TokensForAddress returns the ids of the tokens whose chains use the account
// format of address: 20 byte hex accounts live on EVM networks, SS58 and 32
// byte hex accounts on substrate chains.
func TokensForAddress(address string, registry port.ChainRegistry) []string {
	wantEVM := strings.HasPrefix(address, "0x") && len(address) == 42
	chains := registry.ChainsByID()
	var ids []string
	for id, token := range registry.TokensByID() {
		isEVM := chains[token.NetworkID()].Kind == entity.ChainKindEVM
		if isEVM == wantEVM {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RequestForAddresses pairs every address with the given tokens, or with
// every token fitting its account format when tokenIDs is empty.
func RequestForAddresses(addresses, tokenIDs []string, registry port.ChainRegistry) entity.AddressesByToken {
	req := make(entity.AddressesByToken)
	for _, address := range addresses {
		ids := tokenIDs
		if len(ids) == 0 {
			ids = TokensForAddress(address, registry)
		}
		for _, tokenID := range ids {
			req[tokenID] = append(req[tokenID], address)
		}
	}
	return req
}
