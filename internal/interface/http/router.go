package http

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/yanqian/weereg/internal/domain/registry"
	"github.com/yanqian/weereg/internal/infra/config"
)

var registerValidatorsOnce sync.Once

// legacyStationsPath registers over GET, so the retry wrapper must skip it
// explicitly. A replayed heartbeat would be refused as too frequent.
const legacyStationsPath = "/api/v1/stations"

// NewRouter wires up the HTTP handlers and returns a configured server.
func NewRouter(cfg *config.Config, handler *Handler, logger *slog.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	registerValidators(logger)

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		logger.Error("invalid trusted proxies, forwarding headers ignored", "error", err)
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(
		gin.Recovery(),
		requestLogger(handler.logger),
		corsMiddleware(cfg.HTTP.CORSOrigins),
		errorHandlingMiddleware(handler.logger),
		rateLimitMiddleware(cfg.HTTP.RateLimit, handler.logger),
	)

	router.GET("/healthz", handler.Healthz)

	router.GET(legacyStationsPath, handler.RegisterLegacy)

	v2 := router.Group("/api/v2")
	{
		v2.POST("/stations", handler.Register)
		v2.GET("/stations", handler.Snapshot)
		v2.GET("/stats/:field", handler.Stats)
	}

	retry := cfg.HTTP.Retry
	retry.Exclude = append(append([]string(nil), retry.Exclude...), legacyStationsPath)

	return &http.Server{
		Addr:           cfg.HTTP.Address,
		Handler:        withRetry(router, retry, logger),
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
}

// registerValidators adds the stats_field rule to gin's validator engine.
func registerValidators(logger *slog.Logger) {
	registerValidatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		err := v.RegisterValidation("stats_field", func(fl validator.FieldLevel) bool {
			_, err := registry.ParseField(fl.Field().String())
			return err == nil
		})
		if err != nil {
			logger.Error("register stats_field validator failed", "error", err)
		}
	})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("http request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status(), "latency_ms", latency.Milliseconds())
	}
}
