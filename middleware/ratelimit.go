package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// RateLimit provides token-bucket rate limiting per caller. Requests that
// passed Auth are limited per player so players behind one NAT do not share
// a bucket; anonymous requests are limited per client IP.
// r = requests per second, b = burst size.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	limiters := &sync.Map{}

	// Cleanup goroutine: remove stale entries every 5 minutes.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			cutoff := time.Now().Add(-10 * time.Minute).UnixNano()
			limiters.Range(func(k, v any) bool {
				if v.(*clientLimiter).lastSeen.Load() < cutoff {
					limiters.Delete(k)
				}
				return true
			})
		}
	}()

	getLimiter := func(key string) *rate.Limiter {
		v, _ := limiters.LoadOrStore(key, &clientLimiter{limiter: rate.NewLimiter(r, b)})
		cl := v.(*clientLimiter)
		cl.lastSeen.Store(time.Now().UnixNano())
		return cl.limiter
	}

	return func(c *gin.Context) {
		if !getLimiter(limitKey(c)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func limitKey(c *gin.Context) string {
	if id := GetPlayerID(c); id > 0 {
		return "p:" + strconv.FormatInt(id, 10)
	}
	return "ip:" + c.ClientIP()
}
