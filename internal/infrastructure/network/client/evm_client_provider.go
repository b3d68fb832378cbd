package client

import (
	"fmt"
	"sync"
	"time"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/infrastructure/configloader"

	"golang.org/x/time/rate"
)

// EVMClientProvider implements port.EVMClientProvider, caching one client
// per network.
type EVMClientProvider struct {
	clients           map[string]*EVMClient
	mu                sync.Mutex
	logger            port.Logger
	connectionTimeout time.Duration
	rpcCallTimeout    time.Duration
	rateLimit         rate.Limit
	burst             int
}

// NewEVMClientProvider creates a new EVMClientProvider.
func NewEVMClientProvider(cfg *configloader.Config, logger port.Logger) *EVMClientProvider {
	return &EVMClientProvider{
		clients:           make(map[string]*EVMClient),
		logger:            logger,
		connectionTimeout: cfg.ConnectionTimeout(),
		rpcCallTimeout:    cfg.RPCCallTimeout(),
		rateLimit:         rate.Limit(cfg.RPC.RequestsPerSecond),
		burst:             cfg.RPC.Burst,
	}
}

// GetClient retrieves the client of chain, connecting on first use.
func (p *EVMClientProvider) GetClient(chain entity.Chain) (port.EVMClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, exists := p.clients[chain.ID]; exists {
		return client, nil
	}

	p.logger.Info("Creating new EVM client", "network", chain.ID, "rpc_primary", chain.PrimaryRPCURL)
	newClient, err := NewEVMClient(chain, rate.NewLimiter(p.rateLimit, p.burst), p.connectionTimeout, p.rpcCallTimeout)
	if err != nil {
		p.logger.Error("Failed to create EVM client", "network", chain.ID, "error", err)
		return nil, fmt.Errorf("failed to create EVM client for %s: %w", chain.ID, err)
	}

	p.clients[chain.ID] = newClient
	return newClient, nil
}

// Close closes every cached client.
func (p *EVMClientProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, client := range p.clients {
		client.Close()
		delete(p.clients, id)
	}
}
