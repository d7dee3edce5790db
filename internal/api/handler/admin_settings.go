package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/api/middleware"
	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/internal/service"
)

// SettingsAdminHandler manages runtime settings.
type SettingsAdminHandler struct {
	settings *service.SettingsService
	store    *repository.SettingsRepository
	audit    *repository.AuditRepository
	logger   *zap.Logger
}

// NewSettingsAdminHandler creates a SettingsAdminHandler.
func NewSettingsAdminHandler(settings *service.SettingsService, store *repository.SettingsRepository,
	audit *repository.AuditRepository, logger *zap.Logger) *SettingsAdminHandler {
	return &SettingsAdminHandler{settings: settings, store: store, audit: audit, logger: logger}
}

// List implements GET /admin/api/settings.
func (h *SettingsAdminHandler) List(c *gin.Context) {
	all, err := h.store.All(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"items": all})
}

type setSettingRequest struct {
	Value json.RawMessage `json:"value"`
}

// Set implements PUT /admin/api/settings/{key}. The value is stored as
// raw JSON; readers apply their own defaults on parse failure.
func (h *SettingsAdminHandler) Set(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		badRequest(c, "key is required")
		return
	}

	var req setSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Value) == 0 {
		badRequest(c, "value must be valid JSON")
		return
	}
	if !json.Valid(req.Value) {
		badRequest(c, "value must be valid JSON")
		return
	}

	actor := c.GetString("admin_user")
	if err := h.settings.Set(c.Request.Context(), key, string(req.Value), actor); err != nil {
		respondError(c, err)
		return
	}
	h.auditRecord(c, "setting.set", key, string(req.Value))
	respondOK(c, gin.H{"key": key})
}

// Delete implements DELETE /admin/api/settings/{key}, reverting the
// key to its built-in default.
func (h *SettingsAdminHandler) Delete(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		badRequest(c, "key is required")
		return
	}
	if err := h.store.Delete(c.Request.Context(), key); err != nil {
		respondError(c, err)
		return
	}
	h.settings.Invalidate(key)
	h.auditRecord(c, "setting.delete", key, "")
	respondOK(c, gin.H{"key": key})
}

func (h *SettingsAdminHandler) auditRecord(c *gin.Context, action, target, detail string) {
	actor := c.GetString("admin_user")
	if err := h.audit.Record(c.Request.Context(), actor, action, target, detail); err != nil {
		h.logger.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}

// KeyAdminHandler manages public API keys. Raw key material is
// returned exactly once at creation; only the HMAC and hint persist.
type KeyAdminHandler struct {
	cfg    *config.Config
	keys   *repository.APIKeyRepository
	audit  *repository.AuditRepository
	logger *zap.Logger
}

// NewKeyAdminHandler creates a KeyAdminHandler.
func NewKeyAdminHandler(cfg *config.Config, keys *repository.APIKeyRepository,
	audit *repository.AuditRepository, logger *zap.Logger) *KeyAdminHandler {
	return &KeyAdminHandler{cfg: cfg, keys: keys, audit: audit, logger: logger}
}

// List implements GET /admin/api/keys.
func (h *KeyAdminHandler) List(c *gin.Context) {
	keys, err := h.keys.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"items": keys})
}

type createKeyRequest struct {
	Name  string `json:"name"`
	RPM   *int   `json:"rpm"`
	Burst *int   `json:"burst"`
}

// Create implements POST /admin/api/keys.
func (h *KeyAdminHandler) Create(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid key body")
		return
	}
	if req.Name == "" {
		badRequest(c, "name is required")
		return
	}
	if req.RPM != nil && *req.RPM < 1 {
		badRequest(c, "rpm must be positive")
		return
	}
	if req.Burst != nil && *req.Burst < 1 {
		badRequest(c, "burst must be positive")
		return
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		respondError(c, err)
		return
	}
	apiKey := "pk_" + hex.EncodeToString(raw)

	id, err := h.keys.Insert(c.Request.Context(), req.Name,
		middleware.KeyHMAC(h.cfg.Security.SecretKey, apiKey), middleware.KeyHint(apiKey),
		req.RPM, req.Burst)
	if err != nil {
		respondError(c, err)
		return
	}

	h.auditRecord(c, "key.create", strconv.FormatInt(id, 10), req.Name)
	respondOK(c, gin.H{"id": id, "key": apiKey, "key_hint": middleware.KeyHint(apiKey)})
}

// SetEnabled implements POST /admin/api/keys/{id}/enabled.
func (h *KeyAdminHandler) SetEnabled(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	if err := h.keys.SetEnabled(c.Request.Context(), id, req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	h.auditRecord(c, "key.set_enabled", strconv.FormatInt(id, 10), strconv.FormatBool(req.Enabled))
	respondOK(c, gin.H{"id": id, "enabled": req.Enabled})
}

// Delete implements DELETE /admin/api/keys/{id}.
func (h *KeyAdminHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.keys.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	h.auditRecord(c, "key.delete", strconv.FormatInt(id, 10), "")
	respondOK(c, gin.H{"id": id})
}

func (h *KeyAdminHandler) auditRecord(c *gin.Context, action, target, detail string) {
	actor := c.GetString("admin_user")
	if err := h.audit.Record(c.Request.Context(), actor, action, target, detail); err != nil {
		h.logger.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}

// StatsAdminHandler exposes operational snapshots and recent records.
type StatsAdminHandler struct {
	stats  *service.RandomStats
	jobs   *repository.JobRepository
	images *repository.ImageRepository
	logs   *repository.RequestLogRepository
	audit  *repository.AuditRepository
	logger *zap.Logger
}

// NewStatsAdminHandler creates a StatsAdminHandler.
func NewStatsAdminHandler(stats *service.RandomStats, jobs *repository.JobRepository,
	images *repository.ImageRepository, logs *repository.RequestLogRepository,
	audit *repository.AuditRepository, logger *zap.Logger) *StatsAdminHandler {
	return &StatsAdminHandler{stats: stats, jobs: jobs, images: images, logs: logs, audit: audit, logger: logger}
}

// Overview implements GET /admin/api/stats.
func (h *StatsAdminHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	window, totals := h.stats.Snapshot(ctx)
	jobCounts, err := h.jobs.CountsByStatus(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	imageCounts, err := h.images.StatusCounts(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, gin.H{
		"random": gin.H{"window": window, "totals": totals},
		"jobs":   jobCounts,
		"images": imageCounts,
	})
}

// RequestLogs implements GET /admin/api/request-logs.
func (h *StatsAdminHandler) RequestLogs(c *gin.Context) {
	entries, err := h.logs.Recent(c.Request.Context(), parseLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"items": entries})
}

// AuditLog implements GET /admin/api/audit.
func (h *StatsAdminHandler) AuditLog(c *gin.Context) {
	entries, err := h.audit.Recent(c.Request.Context(), parseLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"items": entries})
}
