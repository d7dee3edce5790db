package handler

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/api/middleware"
	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/internal/service"
	"github.com/user/pixrand-go/internal/version"
)

// HealthHandler serves liveness and version endpoints.
type HealthHandler struct {
	cfg      *config.Config
	db       *sql.DB
	jobs     *repository.JobRepository
	settings *service.SettingsService
	logger   *zap.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, db *sql.DB, jobs *repository.JobRepository,
	settings *service.SettingsService, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, db: db, jobs: jobs, settings: settings, logger: logger}
}

// Health implements GET /healthz. DB failure is the only 503; worker
// and queue degradation are reported but stay 200.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	dbOK := h.db.PingContext(ctx) == nil
	if !dbOK {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ok":         false,
			"db_ok":      false,
			"worker_ok":  false,
			"queue_ok":   false,
			"request_id": middleware.GetRequestID(c),
		})
		return
	}

	staleAfter := h.cfg.Worker.HeartbeatStaleSeconds
	workerOK := false
	worker := gin.H{"last_seen_at": nil, "stale_after_s": staleAfter, "reason": "no heartbeat"}
	if hb := h.settings.LastWorkerHeartbeat(ctx); hb != nil {
		worker["last_seen_at"] = hb.At
		if at, err := repository.ParseTime(hb.At); err == nil {
			if time.Since(at) <= time.Duration(staleAfter)*time.Second {
				workerOK = true
				worker["reason"] = nil
			} else {
				worker["reason"] = "heartbeat stale"
			}
		} else {
			worker["reason"] = "unparsable heartbeat"
		}
	}

	queueOK := true
	queue := gin.H{"counts": map[string]int{}, "reason": nil}
	counts, err := h.jobs.CountsByStatus(ctx)
	if err != nil {
		queueOK = false
		queue["reason"] = "queue unavailable"
		h.logger.Warn("queue counts failed", zap.Error(err))
	} else {
		queue["counts"] = counts
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":         dbOK && workerOK && queueOK,
		"db_ok":      dbOK,
		"worker_ok":  workerOK,
		"queue_ok":   queueOK,
		"worker":     worker,
		"queue":      queue,
		"request_id": middleware.GetRequestID(c),
	})
}

// Version implements GET /version.
func (h *HealthHandler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": version.Version,
		"build":   version.BuildTime,
		"commit":  version.GitCommit,
	})
}
