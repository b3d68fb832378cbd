package provider

import (
	"testing"

	"balance_engine/internal/app/port/porttest"
	"balance_engine/internal/domain/entity"

	"github.com/stretchr/testify/assert"
)

func TestRequestForAddresses(t *testing.T) {
	registry := porttest.NewRegistry(
		[]entity.Chain{
			{ID: "polkadot", Kind: entity.ChainKindSubstrate},
			{ID: "moonbeam", Kind: entity.ChainKindEVM},
		},
		[]entity.Token{
			{ID: "dot", ChainID: "polkadot"},
			{ID: "usdt", ChainID: "polkadot"},
			{ID: "glmr", EVMNetworkID: "moonbeam"},
		},
	)
	ss58 := "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	account20 := "0xf24FF3a9CF04c71Dbc94D0b566f7A27B94566cac"
	account32 := "0xd43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d"

	assert.Equal(t, []string{"dot", "usdt"}, TokensForAddress(ss58, registry))
	assert.Equal(t, []string{"dot", "usdt"}, TokensForAddress(account32, registry))
	assert.Equal(t, []string{"glmr"}, TokensForAddress(account20, registry))

	assert.Equal(t, entity.AddressesByToken{
		"dot":  {ss58},
		"usdt": {ss58},
		"glmr": {account20},
	}, RequestForAddresses([]string{ss58, account20}, nil, registry))

	assert.Equal(t, entity.AddressesByToken{"dot": {ss58, account20}},
		RequestForAddresses([]string{ss58, account20}, []string{"dot"}, registry))
}
