package handler

import (
	"crypto/subtle"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/api/middleware"
	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/models"
)

// AuthHandler implements admin login.
type AuthHandler struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(cfg *config.Config, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, logger: logger}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login implements POST /admin/api/login. Credentials are compared in
// constant time.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid login body")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.Security.AdminUsername))
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.cfg.Security.AdminPassword))
	if userOK&passOK != 1 {
		h.logger.Warn("admin login rejected", zap.String("ip", c.ClientIP()))
		respondError(c, models.Errf(models.CodeUnauthorized, "invalid credentials"))
		return
	}

	token, expires, err := middleware.IssueAdminToken(h.cfg, time.Now())
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, gin.H{
		"token":      token,
		"expires_at": expires.UTC().Format("2006-01-02T15:04:05.000Z"),
	})
}

// Logout implements POST /admin/api/logout. Tokens are stateless so
// this only confirms the bearer was valid.
func (h *AuthHandler) Logout(c *gin.Context) {
	respondOK(c, gin.H{"logged_out": true})
}
