package guild

import (
	"context"

	"github.com/kasuganosora/guildserver/scheduler"
	"go.uber.org/zap"
)

// SweepTaskName is the scheduler task that materializes relation expiries.
const SweepTaskName = "guild.relation_sweep"

// ScheduleSweep registers the relation sweep on s when
// relation_sweep_interval is positive. It reports whether a task was added.
func (svc *Service) ScheduleSweep(s *scheduler.Scheduler) bool {
	if svc.cfg.RelationSweep <= 0 {
		return false
	}
	s.AddTicker(SweepTaskName, svc.cfg.RelationSweep, func(ctx context.Context) {
		n, err := svc.SweepRelations(ctx)
		if err != nil {
			svc.logger.Warn("relation sweep failed", zap.Int("settled", n), zap.Error(err))
			return
		}
		if n > 0 {
			svc.logger.Info("relation sweep", zap.Int("settled", n))
		}
	})
	return true
}
