package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"balance_engine/internal/infrastructure/restapi"
	"balance_engine/internal/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the balance API over HTTP",
		RunE:  serveFunc,
	}
}

func serveFunc(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()
	defer func() { _ = a.zap.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.metadata.Run(ctx)
	go a.refreshPrices(ctx)

	handler := restapi.NewBalanceHandler(a.balances, a.registry, a.prices, a.addresses, logger.Named("restapi"))
	router := restapi.SetupRouter(handler, a.cfg.Server.AllowedOrigins)

	addr := a.cfg.Server.Port
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort("", addr)
	}
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: time.Duration(a.cfg.Server.ReadTimeoutSeconds) * time.Second,
		// Zero leaves balance streams open.
		WriteTimeout: time.Duration(a.cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.zap.Info("Server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	a.zap.Info("Shutting down server...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		a.zap.Error("Server forced to shutdown", zap.Error(err))
		return err
	}
	a.zap.Info("Server exiting")
	return nil
}

// refreshPrices loads token prices and reloads them at half the cache TTL
// so cached prices never expire while the server runs.
func (a *app) refreshPrices(ctx context.Context) {
	interval := time.Duration(a.cfg.TokenPriceSvc.CacheTTLMinutes) * time.Minute / 2
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	load := func() {
		loadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if err := a.prices.LoadAndCacheTokenPrices(loadCtx); err != nil {
			a.zap.Warn("Failed to load token prices", zap.Error(err))
			return
		}
		a.zap.Info("Token prices loaded and cached")
	}

	load()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			load()
		}
	}
}
