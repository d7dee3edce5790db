package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/internal/secret"
)

// TokenAdminHandler manages upstream credentials. Refresh tokens are
// sealed on write and only ever listed masked.
type TokenAdminHandler struct {
	tokens *repository.TokenRepository
	vault  *secret.Vault
	audit  *repository.AuditRepository
	logger *zap.Logger
}

// NewTokenAdminHandler creates a TokenAdminHandler.
func NewTokenAdminHandler(tokens *repository.TokenRepository, vault *secret.Vault,
	audit *repository.AuditRepository, logger *zap.Logger) *TokenAdminHandler {
	return &TokenAdminHandler{tokens: tokens, vault: vault, audit: audit, logger: logger}
}

// List implements GET /admin/api/tokens.
func (h *TokenAdminHandler) List(c *gin.Context) {
	tokens, err := h.tokens.FindAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"items": tokens})
}

type createTokenRequest struct {
	Label        string `json:"label"`
	RefreshToken string `json:"refresh_token"`
	Weight       int    `json:"weight"`
}

// Create implements POST /admin/api/tokens.
func (h *TokenAdminHandler) Create(c *gin.Context) {
	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid token body")
		return
	}
	if req.RefreshToken == "" {
		badRequest(c, "refresh_token is required")
		return
	}
	if req.Weight < 0 {
		badRequest(c, "weight must be non-negative")
		return
	}

	sealed, err := h.vault.Seal(req.RefreshToken)
	if err != nil {
		respondError(c, err)
		return
	}

	id, err := h.tokens.Insert(c.Request.Context(), req.Label, sealed, req.Weight)
	if err != nil {
		respondError(c, err)
		return
	}

	h.auditRecord(c, "token.create", strconv.FormatInt(id, 10), req.Label)
	respondOK(c, gin.H{"id": id})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

// SetEnabled implements POST /admin/api/tokens/{id}/enabled.
func (h *TokenAdminHandler) SetEnabled(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}

	if err := h.tokens.SetEnabled(c.Request.Context(), id, req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	h.auditRecord(c, "token.set_enabled", strconv.FormatInt(id, 10), strconv.FormatBool(req.Enabled))
	respondOK(c, gin.H{"id": id, "enabled": req.Enabled})
}

// ClearBackoff implements POST /admin/api/tokens/{id}/clear-backoff,
// returning a backed-off credential to rotation.
func (h *TokenAdminHandler) ClearBackoff(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.tokens.MarkOK(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	h.auditRecord(c, "token.clear_backoff", strconv.FormatInt(id, 10), "")
	respondOK(c, gin.H{"id": id})
}

// Delete implements DELETE /admin/api/tokens/{id}.
func (h *TokenAdminHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.tokens.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	h.auditRecord(c, "token.delete", strconv.FormatInt(id, 10), "")
	respondOK(c, gin.H{"id": id})
}

func (h *TokenAdminHandler) auditRecord(c *gin.Context, action, target, detail string) {
	actor := c.GetString("admin_user")
	if err := h.audit.Record(c.Request.Context(), actor, action, target, detail); err != nil {
		h.logger.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}

// pathID parses the :id path parameter, responding BAD_REQUEST itself
// on failure.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		badRequest(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}
