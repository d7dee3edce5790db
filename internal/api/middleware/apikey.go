package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/repository"
)

// ContextKeyAPIKeyID carries the authenticated key id for request logs.
const ContextKeyAPIKeyID = "api_key_id"

const apiKeyCacheTTL = 5 * time.Second

// KeyHMAC computes the stored digest for raw key material. Only this
// digest is ever persisted.
func KeyHMAC(secretKey, apiKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(apiKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// KeyHint returns the 8-char display hint for raw key material.
func KeyHint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:8]
}

type cachedKey struct {
	key      *models.PublicAPIKey
	loadedAt time.Time
}

// APIKeyAuth enforces X-API-Key authentication on public endpoints when
// enabled, with a short in-process lookup cache and per-key token
// bucket rate limiting.
type APIKeyAuth struct {
	cfg    *config.Config
	keys   *repository.APIKeyRepository
	logger *zap.Logger

	mu       sync.Mutex
	cache    map[string]cachedKey
	limiters map[int64]*rate.Limiter
}

// NewAPIKeyAuth creates the API-key middleware state.
func NewAPIKeyAuth(cfg *config.Config, keys *repository.APIKeyRepository, logger *zap.Logger) *APIKeyAuth {
	return &APIKeyAuth{
		cfg:      cfg,
		keys:     keys,
		logger:   logger,
		cache:    make(map[string]cachedKey),
		limiters: make(map[int64]*rate.Limiter),
	}
}

// Handler returns the gin middleware. When enforcement is disabled the
// middleware is a pass-through.
func (a *APIKeyAuth) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.cfg.PublicKeys.Required {
			c.Next()
			return
		}

		raw := c.GetHeader("X-API-Key")
		if raw == "" {
			abortWithCode(c, models.CodeUnauthorized, http.StatusUnauthorized)
			return
		}

		key, err := a.lookup(c.Request.Context(), KeyHMAC(a.cfg.Security.SecretKey, raw))
		if err != nil {
			a.logger.Error("api key lookup failed", zap.Error(err))
			abortWithCode(c, models.CodeInternalError, http.StatusInternalServerError)
			return
		}
		if key == nil {
			abortWithCode(c, models.CodeUnauthorized, http.StatusUnauthorized)
			return
		}

		if !a.limiter(key).Allow() {
			abortWithCode(c, models.CodeRateLimited, http.StatusTooManyRequests)
			return
		}

		c.Set(ContextKeyAPIKeyID, key.ID)
		go a.touch(key.ID)
		c.Next()
	}
}

func (a *APIKeyAuth) lookup(ctx context.Context, keyHMAC string) (*models.PublicAPIKey, error) {
	a.mu.Lock()
	if entry, ok := a.cache[keyHMAC]; ok && time.Since(entry.loadedAt) < apiKeyCacheTTL {
		a.mu.Unlock()
		return entry.key, nil
	}
	a.mu.Unlock()

	key, err := a.keys.FindByHMAC(ctx, keyHMAC)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache[keyHMAC] = cachedKey{key: key, loadedAt: time.Now()}
	a.mu.Unlock()
	return key, nil
}

// limiter returns the per-key token bucket, creating it on first use
// from the key's rpm/burst or the configured defaults.
func (a *APIKeyAuth) limiter(key *models.PublicAPIKey) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	if lim, ok := a.limiters[key.ID]; ok {
		return lim
	}

	rpm := a.cfg.PublicKeys.DefaultRPM
	if key.RPM != nil && *key.RPM > 0 {
		rpm = *key.RPM
	}
	burst := a.cfg.PublicKeys.DefaultBurst
	if key.Burst != nil && *key.Burst > 0 {
		burst = *key.Burst
	}
	if burst < 1 {
		burst = 1
	}

	lim := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	a.limiters[key.ID] = lim
	return lim
}

func (a *APIKeyAuth) touch(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.keys.TouchUsed(ctx, id); err != nil {
		a.logger.Debug("api key touch failed", zap.Error(err))
	}
}
