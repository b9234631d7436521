package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/weereg/internal/domain/registry"
	"github.com/yanqian/weereg/internal/infra/config"
	"github.com/yanqian/weereg/pkg/util"
)

// Handler wires the HTTP transport to the registry service.
type Handler struct {
	svc    registry.Service
	cfg    config.RegistryConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler constructs the root HTTP handler.
func NewHandler(svc registry.Service, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		cfg:    cfg.Registry,
		logger: logger.With("component", "http.handler"),
		now:    util.NowUTC,
	}
}

type snapshotParams struct {
	Since  *int64 `form:"since" binding:"omitempty,min=0"`
	MaxAge string `form:"max_age"`
	Limit  int    `form:"limit" binding:"omitempty,min=1"`
}

type statsParams struct {
	Field       string `uri:"field" binding:"required,stats_field"`
	Since       *int64 `form:"since" binding:"omitempty,min=0"`
	BatchSize   int    `form:"batch_size" binding:"omitempty,min=1,max=366"`
	Consolidate bool   `form:"consolidate"`
}

// RegisterLegacy accepts a heartbeat encoded as query arguments and answers with plain text.
func (h *Handler) RegisterLegacy(c *gin.Context) {
	fields := make(registry.Submission)
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	if _, ok := h.register(c, fields); ok {
		c.String(http.StatusOK, "OK")
	}
}

// Register accepts a heartbeat as a JSON object.
func (h *Handler) Register(c *gin.Context) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		abortWithError(c, badRequest(err))
		return
	}
	accepted, ok := h.register(c, fields)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "first_seen": accepted.FirstSeen})
}

func (h *Handler) register(c *gin.Context, fields registry.Submission) (registry.Accepted, bool) {
	outcome, err := h.svc.Register(c.Request.Context(), registry.RegisterRequest{
		Fields:     fields,
		RemoteAddr: c.ClientIP(),
	})
	if err != nil {
		abortWithError(c, serviceError(err))
		return registry.Accepted{}, false
	}
	switch o := outcome.(type) {
	case registry.Accepted:
		return o, true
	case registry.Rejected:
		abortWithError(c, rejectionError(o))
	}
	return registry.Accepted{}, false
}

// Snapshot lists the newest report of every recently seen station.
func (h *Handler) Snapshot(c *gin.Context) {
	var params snapshotParams
	if err := c.ShouldBindQuery(&params); err != nil {
		abortWithError(c, badRequest(err))
		return
	}

	var since int64
	switch {
	case params.Since != nil && params.MaxAge != "":
		abortWithError(c, NewHTTPError(http.StatusBadRequest, codeInvalidRequest, "specify 'max_age' or 'since', but not both", nil))
		return
	case params.Since != nil:
		since = *params.Since
	default:
		maxAge := h.cfg.StationsMaxAge
		if params.MaxAge != "" {
			parsed, err := util.ParseAge(params.MaxAge)
			if err != nil {
				abortWithError(c, badRequest(err))
				return
			}
			maxAge = parsed
		}
		since = h.now().Add(-maxAge).Unix()
	}

	limit := params.Limit
	if limit == 0 {
		limit = h.cfg.StationsLimit
	}

	reports, err := h.svc.Snapshot(c.Request.Context(), registry.SnapshotQuery{Since: since, Limit: limit})
	if err != nil {
		abortWithError(c, serviceError(err))
		return
	}
	if reports == nil {
		reports = []registry.Report{}
	}
	c.JSON(http.StatusOK, reports)
}

// Stats returns the per-bucket histogram of one report field.
func (h *Handler) Stats(c *gin.Context) {
	var params statsParams
	if err := c.ShouldBindUri(&params); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, codeInvalidRequest, "unsupported stats field", err))
		return
	}
	if err := c.ShouldBindQuery(&params); err != nil {
		abortWithError(c, badRequest(err))
		return
	}

	stats, err := h.svc.Stats(c.Request.Context(), registry.StatsQuery{
		Field:       params.Field,
		Since:       params.Since,
		BatchSize:   params.BatchSize,
		Consolidate: params.Consolidate,
	})
	if err != nil {
		abortWithError(c, serviceError(err))
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Healthz reports liveness.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
