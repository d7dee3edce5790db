// Package middleware holds the gin middleware shared by the public and
// admin surfaces.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/repository"
)

// ContextKeyRequestID is the gin context key carrying the request id.
const ContextKeyRequestID = "request_id"

var requestIDRe = regexp.MustCompile(`^req_[0-9a-f]{16}$`)

// RequestID echoes a well-formed inbound X-Request-Id or generates a
// fresh req_<16 hex> id, and sets it on both context and response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if !requestIDRe.MatchString(id) {
			id = NewRequestID()
		}
		c.Set(ContextKeyRequestID, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// NewRequestID generates a req_<16 hex> identifier.
func NewRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "req_0000000000000000"
	}
	return "req_" + hex.EncodeToString(b[:])
}

// GetRequestID returns the request id set by RequestID, or "".
func GetRequestID(c *gin.Context) string {
	if v, ok := c.Get(ContextKeyRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// AccessLog logs each request and persists it to the request_logs
// table. Persistence is best-effort and never blocks the response.
func AccessLog(logger *zap.Logger, logs *repository.RequestLogRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger.Info("request",
			zap.String("request_id", GetRequestID(c)),
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)

		entry := &models.RequestLogEntry{
			RequestID: GetRequestID(c),
			Method:    c.Request.Method,
			Path:      path,
			Status:    status,
			LatencyMs: float64(latency.Microseconds()) / 1000.0,
			ClientIP:  c.ClientIP(),
			APIKeyID:  apiKeyIDFromContext(c),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := logs.Insert(ctx, entry); err != nil {
				logger.Debug("request log insert failed", zap.Error(err))
			}
		}()
	}
}

func apiKeyIDFromContext(c *gin.Context) *int64 {
	if v, ok := c.Get(ContextKeyAPIKeyID); ok {
		if id, ok := v.(int64); ok {
			return &id
		}
	}
	return nil
}
