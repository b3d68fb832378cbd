package main

import (
	"testing"

	"balance_engine/internal/app/modules/evm"
	"balance_engine/internal/app/modules/substrate"
	"balance_engine/internal/app/port"
	"balance_engine/internal/app/port/porttest"
	"balance_engine/internal/app/scheduler"
	"balance_engine/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppCloseDetachesModulesFromMetadata(t *testing.T) {
	meta := porttest.NewMetadata()
	deps := substrate.Deps{
		Connector: porttest.NewConnector(),
		Registry:  porttest.NewRegistry(nil, nil),
		Metadata:  meta,
		Scheduler: scheduler.DefaultConfig(),
		Logger:    logger.NewNop(),
	}
	a := &app{modules: []port.BalanceModule{
		substrate.NewNativeModule(deps),
		substrate.NewAssetsModule(deps),
		evm.NewNativeModule(evm.Deps{Registry: deps.Registry, Scheduler: deps.Scheduler, Logger: deps.Logger}),
	}}
	require.Equal(t, 2, meta.Listeners())

	a.Close()
	assert.Equal(t, 0, meta.Listeners())
}
