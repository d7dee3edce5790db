// Package api wires the HTTP surface: public image endpoints and the
// admin API, with gin and the shared middleware stack.
package api

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/api/handler"
	"github.com/user/pixrand-go/internal/api/middleware"
	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/internal/secret"
	"github.com/user/pixrand-go/internal/service"
)

// Server wraps the HTTP router and dependencies.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// ServerDeps holds all dependencies for the API server.
type ServerDeps struct {
	Cfg      *config.Config
	DB       *sql.DB
	Vault    *secret.Vault
	Settings *service.SettingsService
	Selector *service.Selector
	Fetcher  *service.Fetcher
	Picker   *service.Picker
	Signer   *service.ImgproxySigner
	Stats    *service.RandomStats
	Handlers *service.JobHandlers

	Images       *repository.ImageRepository
	Tags         *repository.TagRepository
	Tokens       *repository.TokenRepository
	Proxies      *repository.ProxyRepository
	Jobs         *repository.JobRepository
	Imports      *repository.ImportRepository
	Hydration    *repository.HydrationRepository
	Keys         *repository.APIKeyRepository
	Logs         *repository.RequestLogRepository
	SettingsRepo *repository.SettingsRepository
	Audit        *repository.AuditRepository

	Logger *zap.Logger
}

// NewServer creates the API server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	cfg := deps.Cfg
	logger := deps.Logger

	if cfg.AppEnv == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(logger, deps.Logs))

	healthHandler := handler.NewHealthHandler(cfg, deps.DB, deps.Jobs, deps.Settings, logger)
	r.GET("/healthz", healthHandler.Health)
	r.GET("/version", healthHandler.Version)

	apiKeyAuth := middleware.NewAPIKeyAuth(cfg, deps.Keys, logger)
	randomHandler := handler.NewRandomHandler(cfg, deps.Images, deps.Jobs, deps.Picker,
		deps.Fetcher, deps.Selector, deps.Signer, deps.Stats, deps.Settings, logger)
	r.GET("/random", apiKeyAuth.Handler(), randomHandler.Random)

	serveHandler := handler.NewServeHandler(deps.Images, deps.Jobs, deps.Fetcher, deps.Selector, logger)
	r.GET("/i/:file", serveHandler.ServeByID)

	publicHandler := handler.NewPublicHandler(deps.Images, deps.Tags, deps.Settings, logger)
	r.GET("/images", publicHandler.ListImages)
	r.GET("/images/:id", publicHandler.GetImage)
	r.GET("/tags", publicHandler.ListTags)
	r.GET("/authors", publicHandler.ListAuthors)

	// Legacy /{illust}.{ext} and /{illust}-{page}.{ext} paths collide
	// with the routes above as gin params, so they fall through here.
	r.NoRoute(func(c *gin.Context) {
		if serveHandler.ServeLegacy(c) {
			return
		}
		c.JSON(http.StatusNotFound, gin.H{
			"ok":         false,
			"code":       "NOT_FOUND",
			"message":    "not found",
			"request_id": middleware.GetRequestID(c),
		})
	})

	authHandler := handler.NewAuthHandler(cfg, logger)
	admin := r.Group("/admin/api")
	admin.POST("/login", authHandler.Login)

	authed := admin.Group("")
	authed.Use(middleware.RequireAdmin(cfg))
	{
		authed.POST("/logout", authHandler.Logout)

		tokenHandler := handler.NewTokenAdminHandler(deps.Tokens, deps.Vault, deps.Audit, logger)
		authed.GET("/tokens", tokenHandler.List)
		authed.POST("/tokens", tokenHandler.Create)
		authed.POST("/tokens/:id/enabled", tokenHandler.SetEnabled)
		authed.POST("/tokens/:id/clear-backoff", tokenHandler.ClearBackoff)
		authed.DELETE("/tokens/:id", tokenHandler.Delete)

		proxyHandler := handler.NewProxyAdminHandler(deps.Proxies, deps.Vault, deps.Audit, deps.Settings, logger)
		authed.GET("/proxies", proxyHandler.List)
		authed.POST("/proxies/import", proxyHandler.Import)
		authed.POST("/proxies/:id/enabled", proxyHandler.SetEnabled)
		authed.POST("/proxies/pools", proxyHandler.CreatePool)
		authed.POST("/proxies/bindings", proxyHandler.Bind)
		authed.POST("/proxies/bindings/:id/clear-override", proxyHandler.ClearOverride)

		jobHandler := handler.NewJobAdminHandler(deps.Jobs, deps.Audit, logger)
		authed.GET("/jobs", jobHandler.List)
		authed.GET("/jobs/:id", jobHandler.Get)
		authed.POST("/jobs/:id/pause", jobHandler.Pause)
		authed.POST("/jobs/:id/resume", jobHandler.Resume)
		authed.POST("/jobs/:id/cancel", jobHandler.Cancel)
		authed.POST("/jobs/:id/retry", jobHandler.Retry)

		imageHandler := handler.NewImageAdminHandler(deps.Images, deps.Imports, deps.Jobs,
			deps.Hydration, deps.Handlers, deps.Audit, logger)
		authed.POST("/images/import", imageHandler.Import)
		authed.GET("/images/imports", imageHandler.ListImports)
		authed.POST("/images/hydrate", imageHandler.StartHydration)
		authed.GET("/images/hydrate", imageHandler.ListHydrationRuns)
		authed.GET("/images/hydrate/:id", imageHandler.GetHydrationRun)

		settingsHandler := handler.NewSettingsAdminHandler(deps.Settings, deps.SettingsRepo, deps.Audit, logger)
		authed.GET("/settings", settingsHandler.List)
		authed.PUT("/settings/:key", settingsHandler.Set)
		authed.DELETE("/settings/:key", settingsHandler.Delete)

		keyHandler := handler.NewKeyAdminHandler(cfg, deps.Keys, deps.Audit, logger)
		authed.GET("/keys", keyHandler.List)
		authed.POST("/keys", keyHandler.Create)
		authed.POST("/keys/:id/enabled", keyHandler.SetEnabled)
		authed.DELETE("/keys/:id", keyHandler.Delete)

		statsHandler := handler.NewStatsAdminHandler(deps.Stats, deps.Jobs, deps.Images,
			deps.Logs, deps.Audit, logger)
		authed.GET("/stats", statsHandler.Overview)
		authed.GET("/request-logs", statsHandler.RequestLogs)
		authed.GET("/audit", statsHandler.AuditLog)

	}

	r.GET("/metrics", middleware.RequireAdmin(cfg), gin.WrapH(promhttp.Handler()))

	return &Server{router: r, logger: logger}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
