package chatsync

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// DefaultResyncCron runs a status resync every five minutes.
const DefaultResyncCron = "*/5 * * * *"

// ResyncScheduler runs Engine.ResyncStatus on a cron schedule, catching
// receipts that were missed while neither transport delivered them.
type ResyncScheduler struct {
	engine *Engine
	cron   string
	log    *zap.Logger
}

// NewResyncScheduler validates expr and returns a scheduler. An empty expr
// uses DefaultResyncCron.
func NewResyncScheduler(engine *Engine, expr string) (*ResyncScheduler, error) {
	if expr == "" {
		expr = DefaultResyncCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid resync cron expression: %s", expr)
	}
	return &ResyncScheduler{engine: engine, cron: expr, log: engine.log.Named("resync")}, nil
}

// Next returns the first tick strictly after t.
func (s *ResyncScheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// Run blocks until ctx is done, resyncing at every tick. Runs while offline
// are skipped.
func (s *ResyncScheduler) Run(ctx context.Context) {
	s.log.Info("resync_scheduler_started", zap.String("cron", s.cron))
	for {
		next, err := s.Next(s.engine.now().UTC())
		if err != nil {
			s.log.Error("resync_nexttick_failed", zap.String("cron", s.cron), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				s.log.Info("resync_scheduler_stopping")
				return
			}
		}

		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.log.Info("resync_scheduler_stopping")
			return
		}

		if !s.engine.net.Online() {
			s.log.Debug("resync_skipped_offline")
			continue
		}
		n, err := s.engine.ResyncStatus(ctx)
		if err != nil {
			s.log.Warn("resync_run_failed", zap.Error(err))
			continue
		}
		s.log.Debug("resync_run_done", zap.Int("applied", n))
	}
}
