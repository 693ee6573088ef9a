// Package cleanup owns the retention sweeps: a daily purge of rows past
// their organization's retention window, and a five-minute recovery pass
// that fails executions stranded in running by a crashed worker.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/gautema/runlater/internal/metrics"
	"github.com/gautema/runlater/internal/repository"
)

const (
	purgeHourUTC    = 3
	recoverInterval = 5 * time.Minute

	// staleAfter must exceed the longest task timeout with margin, or the
	// sweep would fail executions that are still in flight.
	staleAfter = 5 * time.Minute

	interruptedMessage = "interrupted"
)

type Cleaner struct {
	store  repository.CleanupStore
	execs  repository.ExecutionRepository
	logger *slog.Logger
	now    func() time.Time
}

func New(store repository.CleanupStore, execs repository.ExecutionRepository, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  store,
		execs:  execs,
		logger: logger.With("component", "cleanup"),
		now:    time.Now,
	}
}

func (c *Cleaner) Start(ctx context.Context) {
	recoverTicker := time.NewTicker(recoverInterval)
	defer recoverTicker.Stop()

	purgeTimer := time.NewTimer(c.untilNextPurge())
	defer purgeTimer.Stop()

	c.logger.Info("cleanup started",
		"purge_hour_utc", purgeHourUTC,
		"recover_interval", recoverInterval,
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cleanup shut down")
			return
		case <-recoverTicker.C:
			c.recoverStale(ctx)
		case <-purgeTimer.C:
			c.purge(ctx)
			purgeTimer.Reset(c.untilNextPurge())
		}
	}
}

// untilNextPurge is the wait until the next 03:00 UTC.
func (c *Cleaner) untilNextPurge() time.Duration {
	now := c.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), purgeHourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func (c *Cleaner) purge(ctx context.Context) {
	stats, leader, err := c.store.PurgeAged(ctx, c.now())
	if err != nil {
		c.logger.Error("retention purge", "error", err)
		return
	}
	if !leader {
		return
	}

	metrics.PurgedExecutionsTotal.Add(float64(stats.Executions))
	c.logger.Info("retention purge finished",
		"executions", stats.Executions,
		"tasks", stats.Tasks,
		"inbound_events", stats.InboundEvents,
		"monitor_pings", stats.MonitorPings,
		"idempotency_keys", stats.IdempotencyKeys,
		"email_logs", stats.EmailLogs,
		"audit_logs", stats.AuditLogs,
		"counters_reset", stats.CountersReset,
	)
}

func (c *Cleaner) recoverStale(ctx context.Context) {
	cutoff := c.now().Add(-staleAfter)
	n, err := c.execs.RecoverStale(ctx, cutoff, interruptedMessage)
	if err != nil {
		c.logger.Error("recover stale executions", "error", err)
		return
	}
	if n > 0 {
		metrics.RecoveredExecutionsTotal.Add(float64(n))
		c.logger.Warn("recovered stale executions", "count", n)
	}
}
