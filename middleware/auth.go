package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildserver/cache"
	"github.com/kasuganosora/guildserver/config"
)

const PlayerIDKey = "player_id"

// sessionPrefix is the cache key the game's login service writes per token.
const sessionPrefix = "session:"

// Auth resolves the acting player from a Bearer JWT. When sessions is non-nil
// the token must also have a live session entry, which the game server
// writes on login and removes on logout. Rejections use the guild error body
// with kind PermissionDenied.
func Auth(sec config.SecurityConfig, sessions cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || tokenStr == "" {
			abort(c, http.StatusUnauthorized, kindPermissionDenied, "token_missing", "missing token")
			return
		}

		claims, err := ParseToken(tokenStr, sec.JWTSecret)
		if err != nil {
			abort(c, http.StatusUnauthorized, kindPermissionDenied, "token_invalid", "invalid token")
			return
		}

		if sessions != nil {
			cacheCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			exists, err := sessions.Exists(cacheCtx, sessionPrefix+tokenStr)
			if err != nil || !exists {
				abort(c, http.StatusUnauthorized, kindPermissionDenied, "session_expired", "session expired")
				return
			}
		}

		c.Set(PlayerIDKey, claims.PlayerID)
		c.Next()
	}
}

// GetPlayerID returns the acting player set by Auth, or 0 on public routes.
func GetPlayerID(c *gin.Context) int64 {
	if v, ok := c.Get(PlayerIDKey); ok {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}
