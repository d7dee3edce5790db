package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/i18n"
	"github.com/user/pixrand-go/internal/models"
)

// IssueAdminToken signs an HS256 bearer for the configured admin.
func IssueAdminToken(cfg *config.Config, now time.Time) (string, time.Time, error) {
	ttl := time.Duration(cfg.Security.AdminTokenTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = time.Hour
	}
	expires := now.Add(ttl)

	claims := jwt.RegisteredClaims{
		Subject:   cfg.Security.AdminUsername,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(cfg.Security.SecretKey))
	return token, expires, err
}

// RequireAdmin validates the Authorization bearer as an HS256 JWT whose
// subject equals the configured admin username.
func RequireAdmin(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			abortWithCode(c, models.CodeUnauthorized, http.StatusUnauthorized)
			return
		}

		token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(cfg.Security.SecretKey), nil
		})
		if err != nil || !token.Valid {
			abortWithCode(c, models.CodeUnauthorized, http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(*jwt.RegisteredClaims)
		if !ok {
			abortWithCode(c, models.CodeUnauthorized, http.StatusUnauthorized)
			return
		}
		if claims.Subject != cfg.Security.AdminUsername {
			abortWithCode(c, models.CodeForbidden, http.StatusForbidden)
			return
		}

		c.Set("admin_user", claims.Subject)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}

func abortWithCode(c *gin.Context, code models.ErrorCode, status int) {
	appErr := models.NewAppError(code, "", status)
	c.AbortWithStatusJSON(status, gin.H{
		"ok":         false,
		"code":       code,
		"message":    i18n.Message(appErr),
		"request_id": GetRequestID(c),
		"details":    nil,
	})
}
