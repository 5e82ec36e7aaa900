package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/portalscrape/models"
)

// APIKeyContextKey is where Auth stores the caller's key for RateLimit.
const APIKeyContextKey = "api_key"

// Auth guards the extraction endpoints with static API keys, read from
// X-API-Key or Authorization: Bearer. With no keys configured every caller
// is let through.
func Auth(apiKeys []string) gin.HandlerFunc {
	keys := make([][]byte, 0, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}
	if len(keys) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		key := presentedKey(c.Request)
		if key == "" {
			abort(c, http.StatusUnauthorized, models.NewExtractError(models.ErrCodeUnauthorized,
				"missing API key: send X-API-Key or Authorization: Bearer <key>", nil))
			return
		}
		if !knownKey(keys, key) {
			slog.Warn("rejected API key", "client_ip", c.ClientIP(), "path", c.FullPath())
			abort(c, http.StatusUnauthorized, models.NewExtractError(models.ErrCodeUnauthorized,
				"invalid API key", nil))
			return
		}

		c.Set(APIKeyContextKey, key)
		c.Next()
	}
}

// knownKey compares in constant time against every configured key.
func knownKey(keys [][]byte, key string) bool {
	match := 0
	for _, k := range keys {
		match |= subtle.ConstantTimeCompare(k, []byte(key))
	}
	return match == 1
}

func presentedKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// abort ends the request with the error body every endpoint uses.
func abort(c *gin.Context, status int, err *models.ExtractError) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{Success: false, Error: err.ToDetail()})
}
