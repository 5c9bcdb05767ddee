package middleware

import "github.com/gin-gonic/gin"

// Error kinds shared with the guild API's JSON error bodies.
const (
	kindInternal         = "Internal"
	kindPermissionDenied = "PermissionDenied"
)

// abort ends the request with the same body shape api/rest uses for guild
// errors, so clients parse one format whichever layer rejected them.
func abort(c *gin.Context, status int, kind, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":    msg,
		"kind":     kind,
		"code":     code,
		"trace_id": GetTraceID(c),
	})
}
