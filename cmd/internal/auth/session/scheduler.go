package session

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler periodically executes due invalidations and emits warnings.
// Several replicas may run one each; the store serializes execution.
type Scheduler struct {
	c        *Coordinator
	interval time.Duration
	log      *slog.Logger
}

// NewScheduler returns a Scheduler ticking at the coordinator's
// SchedulerInterval.
func NewScheduler(c *Coordinator, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{c: c, interval: c.cfg.SchedulerInterval, log: log}
}

// Run blocks until ctx is done. Tick errors are logged and retried on the
// next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.log.Info("session.scheduler.start", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("session.scheduler.stop")
			return nil
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass at the coordinator's current time.
func (s *Scheduler) Tick(ctx context.Context) {
	warned, executed, err := s.c.RunDue(ctx, s.c.now())
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("session.scheduler.tick_failed", "warned", warned, "executed", executed, "err", err)
		}
		return
	}
	if warned > 0 || executed > 0 {
		s.log.Debug("session.scheduler.tick", "warned", warned, "executed", executed)
	}
}
