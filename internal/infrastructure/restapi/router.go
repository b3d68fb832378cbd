package restapi

import (
	"net/http"
	"strconv"

	"balance_engine/internal/pkg/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter builds the gin engine with the balance API under /api/v1,
// Prometheus metrics under /metrics and a health probe.
func SetupRouter(handler *BalanceHandler, allowedOrigins []string) *gin.Engine {
	router := gin.Default()
	router.Use(corsMiddleware(allowedOrigins), requestMetrics())

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/chains", handler.GetChainsHandler)
		v1.GET("/tokens", handler.GetTokensHandler)
		v1.GET("/portfolios", handler.GetPortfoliosHandler)
		v1.POST("/balances", handler.PostBalancesHandler)
		v1.GET("/balances/stream", handler.StreamBalancesHandler)
	}

	return router
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	if len(allowedOrigins) == 0 {
		return cors.Default()
	}
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = allowedOrigins
	return cors.New(cfg)
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
