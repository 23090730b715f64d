package scheduler

import (
	"context"
	"log/slog"
)

// Pruner sweeps stale counters. Satisfied by *ratelimit.DDoSShield.
type Pruner interface {
	Prune() int
}

// IdleCloser releases idle keep-alive connections. Satisfied by
// *proxy.ClientPool.
type IdleCloser interface {
	CloseIdleConnections()
}

// PoolSweeperJob closes idle pooled HTTP connections and prunes stale DDoS
// shield counters on a fixed cron schedule (spec §9). Both targets are
// optional: a nil Pool or Shield makes the corresponding half a no-op, so
// the job can be registered even when only one of the two is wired.
type PoolSweeperJob struct {
	Pool         IdleCloser
	Shield       Pruner
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "*/5 * * * *"
}

var _ Job = (*PoolSweeperJob)(nil)

func (j *PoolSweeperJob) Name() string { return "pool_sweeper" }

func (j *PoolSweeperJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "*/5 * * * *"
}

func (j *PoolSweeperJob) Run(_ context.Context) error {
	if j.Pool != nil {
		j.Pool.CloseIdleConnections()
	}
	if j.Shield != nil {
		if n := j.Shield.Prune(); n > 0 {
			j.Logger.Debug("scheduler: pruned ddos shield entries", slog.Int("count", n))
		}
	}
	return nil
}

// UsageReconcilerJob flushes buffered per-key usage deltas to the
// persistent store on a fixed cron schedule, independent of the per-request
// async log write (spec §5, §9).
type UsageReconcilerJob struct {
	Flush        func(ctx context.Context) []error
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "*/1 * * * *"
}

var _ Job = (*UsageReconcilerJob)(nil)

func (j *UsageReconcilerJob) Name() string { return "usage_reconciler" }

func (j *UsageReconcilerJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "*/1 * * * *"
}

func (j *UsageReconcilerJob) Run(ctx context.Context) error {
	if j.Flush == nil {
		return nil
	}
	errs := j.Flush(ctx)
	for _, err := range errs {
		j.Logger.Warn("scheduler: usage reconcile entry failed", slog.String("error", err.Error()))
	}
	return nil
}
