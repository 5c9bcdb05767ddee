package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildserver/game/guild"
	"github.com/kasuganosora/guildserver/scheduler"
	"go.uber.org/zap"
)

// AdminHandler handles operator endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	svc    *guild.Service
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(svc *guild.Service, sched *scheduler.Scheduler, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, sched: sched, logger: logger}
}

// Register mounts the admin routes on g.
func (h *AdminHandler) Register(g *gin.RouterGroup) {
	g.GET("/status", h.Status)
	g.GET("/scheduler", h.ListSchedulerTasks)
	g.POST("/relations/sweep", h.SweepRelations)
}

// Status returns serializer and scheduler state.
// GET /api/admin/status
func (h *AdminHandler) Status(c *gin.Context) {
	cfg := h.svc.Config()
	c.JSON(http.StatusOK, gin.H{
		"active_keys":     h.svc.Serializer().ActiveKeys(),
		"scheduler_tasks": h.sched.ListTickers(),
		"op_timeout":      cfg.OpTimeout.String(),
		"relation_sweep":  cfg.RelationSweep.String(),
	})
}

// ListSchedulerTasks returns names of all registered ticker tasks.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.ListTickers()})
}

// SweepRelations materializes relation expiries now instead of waiting for
// the scheduled sweep.
// POST /api/admin/relations/sweep
func (h *AdminHandler) SweepRelations(c *gin.Context) {
	n, err := h.svc.SweepRelations(reqCtx(c))
	if err != nil {
		fail(c, err)
		return
	}
	h.logger.Info("admin relation sweep", zap.Int("settled", n), zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"settled": n})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// WARNING: if adminKey is empty all admin endpoints are disabled (503) so the
// server cannot be accidentally deployed without protection. Set a non-empty
// server.admin_key in config to enable admin routes.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
