package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recovery turns a handler panic into a 500 with an Internal guild error body.
// The panic value is logged with the route and the guild being touched but
// never sent to the client.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			fields := []zap.Field{
				zap.Any("panic", r),
				zap.String("trace_id", GetTraceID(c)),
				zap.Int64("player_id", GetPlayerID(c)),
				zap.String("method", c.Request.Method),
				zap.String("route", c.FullPath()),
				zap.Stack("stack"),
			}
			if id, err := strconv.ParseInt(c.Param("id"), 10, 64); err == nil {
				fields = append(fields, zap.Int64("guild_id", id))
			}
			log.Error("guild handler panic", fields...)
			abort(c, http.StatusInternalServerError, kindInternal, "internal", "internal error")
		}()
		c.Next()
	}
}
