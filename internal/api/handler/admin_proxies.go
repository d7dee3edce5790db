package handler

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/redact"
	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/internal/secret"
	"github.com/user/pixrand-go/internal/service"
)

var proxySchemes = map[string]int{
	"http":   80,
	"https":  443,
	"socks5": 1080,
}

// ProxyAdminHandler manages the proxy fleet, pools and bindings.
type ProxyAdminHandler struct {
	proxies  *repository.ProxyRepository
	vault    *secret.Vault
	audit    *repository.AuditRepository
	settings *service.SettingsService
	logger   *zap.Logger
}

// NewProxyAdminHandler creates a ProxyAdminHandler.
func NewProxyAdminHandler(proxies *repository.ProxyRepository, vault *secret.Vault,
	audit *repository.AuditRepository, settings *service.SettingsService, logger *zap.Logger) *ProxyAdminHandler {
	return &ProxyAdminHandler{proxies: proxies, vault: vault, audit: audit, settings: settings, logger: logger}
}

type importProxiesRequest struct {
	URLs           []string `json:"urls"`
	ConflictPolicy string   `json:"conflict_policy"` // skip (default) | overwrite
	Source         string   `json:"source"`
}

// Import implements POST /admin/api/proxies/import. Each URL is parsed
// as scheme://[user:pass@]host[:port]; passwords are sealed before
// storage.
func (h *ProxyAdminHandler) Import(c *gin.Context) {
	var req importProxiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid import body")
		return
	}
	if len(req.URLs) == 0 {
		badRequest(c, "urls is required")
		return
	}

	overwrite := false
	switch req.ConflictPolicy {
	case "", "skip":
	case "overwrite":
		overwrite = true
	default:
		badRequest(c, "conflict_policy must be skip or overwrite")
		return
	}
	source := req.Source
	if source == "" {
		source = "manual"
	}

	result := h.importURLs(c.Request.Context(), req.URLs, source, overwrite)
	h.auditRecord(c, "proxy.import", "",
		fmt.Sprintf("total=%d created=%d updated=%d skipped=%d errors=%d",
			len(req.URLs), result["created"], result["updated"], result["skipped"], result["errors"]))
	respondOK(c, result)
}

func (h *ProxyAdminHandler) importURLs(ctx context.Context, urls []string, source string, overwrite bool) gin.H {
	created, updated, skipped, errored := 0, 0, 0, 0

	for _, raw := range urls {
		ep, password, err := parseProxyURL(raw)
		if err != nil {
			errored++
			h.logger.Debug("skipping bad proxy url", zap.String("error", redact.Error(err)))
			continue
		}
		ep.Source = source

		if password != "" {
			sealed, err := h.vault.Seal(password)
			if err != nil {
				errored++
				continue
			}
			ep.PasswordEnc = &sealed
		}

		_, outcome, err := h.proxies.UpsertEndpoint(ctx, ep, overwrite)
		if err != nil {
			errored++
			h.logger.Warn("proxy upsert failed", zap.String("host", ep.Host), zap.Error(err))
			continue
		}
		switch outcome {
		case repository.UpsertCreated:
			created++
		case repository.UpsertUpdated:
			updated++
		default:
			skipped++
		}
	}

	return gin.H{"created": created, "updated": updated, "skipped": skipped, "errors": errored}
}

// parseProxyURL validates one proxy URL and splits out the plaintext
// password for sealing.
func parseProxyURL(raw string) (*models.ProxyEndpoint, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, "", fmt.Errorf("unparsable proxy url: %w", err)
	}
	defaultPort, ok := proxySchemes[u.Scheme]
	if !ok {
		return nil, "", fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, "", fmt.Errorf("missing proxy host")
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, "", fmt.Errorf("bad proxy port %q", p)
		}
	}

	ep := &models.ProxyEndpoint{
		Scheme:  u.Scheme,
		Host:    u.Hostname(),
		Port:    port,
		Enabled: true,
	}

	password := ""
	if u.User != nil {
		name := u.User.Username()
		if name != "" {
			ep.Username = &name
		}
		password, _ = u.User.Password()
	}
	return ep, password, nil
}

// List implements GET /admin/api/proxies.
func (h *ProxyAdminHandler) List(c *gin.Context) {
	endpoints, err := h.proxies.ListEndpoints(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"items": endpoints})
}

// SetEnabled implements POST /admin/api/proxies/{id}/enabled.
func (h *ProxyAdminHandler) SetEnabled(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	if err := h.proxies.SetEndpointEnabled(c.Request.Context(), id, req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	h.auditRecord(c, "proxy.set_enabled", strconv.FormatInt(id, 10), strconv.FormatBool(req.Enabled))
	respondOK(c, gin.H{"id": id, "enabled": req.Enabled})
}

type createPoolRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	EndpointIDs []int64 `json:"endpoint_ids"`
	Activate    bool    `json:"activate"`
}

// CreatePool implements POST /admin/api/proxies/pools.
func (h *ProxyAdminHandler) CreatePool(c *gin.Context) {
	var req createPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid pool body")
		return
	}
	if req.Name == "" {
		badRequest(c, "name is required")
		return
	}

	ctx := c.Request.Context()
	poolID, err := h.proxies.CreatePool(ctx, req.Name, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	for _, epID := range req.EndpointIDs {
		if err := h.proxies.AddPoolEndpoint(ctx, poolID, epID, 1); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Activate {
		if err := h.settings.Set(ctx, service.SettingActivePool,
			strconv.FormatInt(poolID, 10), c.GetString("admin_user")); err != nil {
			respondError(c, err)
			return
		}
	}

	h.auditRecord(c, "proxy.create_pool", strconv.FormatInt(poolID, 10), req.Name)
	respondOK(c, gin.H{"id": poolID})
}

type bindRequest struct {
	TokenID        int64 `json:"token_id"`
	PoolID         int64 `json:"pool_id"`
	PrimaryProxyID int64 `json:"primary_proxy_id"`
}

// Bind implements POST /admin/api/proxies/bindings. The primary must
// be a member of the pool.
func (h *ProxyAdminHandler) Bind(c *gin.Context) {
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid binding body")
		return
	}
	ctx := c.Request.Context()

	member, err := h.proxies.IsPoolMember(ctx, req.PoolID, req.PrimaryProxyID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !member {
		badRequest(c, "primary proxy is not a member of the pool")
		return
	}

	id, err := h.proxies.UpsertBinding(ctx, req.TokenID, req.PoolID, req.PrimaryProxyID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.auditRecord(c, "proxy.bind",
		fmt.Sprintf("token=%d pool=%d", req.TokenID, req.PoolID),
		fmt.Sprintf("primary=%d", req.PrimaryProxyID))
	respondOK(c, gin.H{"id": id})
}

// ClearOverride implements POST /admin/api/proxies/bindings/{id}/clear-override.
func (h *ProxyAdminHandler) ClearOverride(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.proxies.ClearOverride(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	h.auditRecord(c, "proxy.clear_override", strconv.FormatInt(id, 10), "")
	respondOK(c, gin.H{"id": id})
}

func (h *ProxyAdminHandler) auditRecord(c *gin.Context, action, target, detail string) {
	actor := c.GetString("admin_user")
	if err := h.audit.Record(c.Request.Context(), actor, action, target, detail); err != nil {
		h.logger.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}
