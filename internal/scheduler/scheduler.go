// Package scheduler owns the tick that turns due tasks into executions.
// Every node runs one; a per-tick advisory lock picks the leader, so a
// deploy or crash just moves leadership to whichever node ticks next.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/gautema/runlater/internal/cronx"
	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/metrics"
	"github.com/gautema/runlater/internal/notifier"
	"github.com/gautema/runlater/internal/repository"
)

const (
	tickInterval = 10 * time.Second

	// lookahead lets executions exist slightly before their fire time.
	// Workers still gate on scheduled_for, so nothing runs early.
	lookahead = 10 * time.Second

	batchLimit = 500

	// catchUpCap bounds missed-execution materialization per task per
	// tick. A task overdue by months resumes over several ticks instead
	// of one giant transaction.
	catchUpCap = 1000
)

type Notifier interface {
	Publish(ctx context.Context, e notifier.Event)
}

type Scheduler struct {
	store    repository.SchedulerStore
	notifier Notifier
	logger   *slog.Logger

	// Wake delivers coalesced wake signals; nil means timer-only.
	Wake <-chan struct{}
	// WakeWorkers broadcasts after a tick created executions.
	WakeWorkers func(context.Context)
	// Now is the clock; tests swap it.
	Now func() time.Time
}

func New(store repository.SchedulerStore, n Notifier, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		notifier: n,
		logger:   logger.With("component", "scheduler"),
		Now:      time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick", tickInterval, "lookahead", lookahead)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shut down")
			return
		case <-ticker.C:
		case <-s.Wake:
		}
		s.tick(ctx)
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	started := s.Now()

	var (
		events      []notifier.Event
		missedTotal int
		quotaUsed   = map[string]int{}
		notified    = map[string]bool{}
	)
	plan := func(task *domain.Task, org *domain.Organization, now time.Time) repository.TaskPlan {
		p := s.planTask(task, org, now, quotaUsed, notified, &events)
		missedTotal += len(p.Missed)
		return p
	}

	created, leader, err := s.store.FireDue(ctx, started, lookahead, batchLimit, plan)
	if err != nil {
		s.logger.Error("scheduling tick", "error", err)
		return
	}
	if !leader {
		return
	}

	metrics.SchedulerTickDuration.Observe(s.Now().Sub(started).Seconds())
	if created > 0 {
		metrics.ExecutionsScheduledTotal.WithLabelValues("pending").Add(float64(created))
	}
	if missedTotal > 0 {
		metrics.ExecutionsScheduledTotal.WithLabelValues("missed").Add(float64(missedTotal))
	}

	if created > 0 {
		s.logger.Info("scheduled executions", "count", created, "missed", missedTotal)
		if s.WakeWorkers != nil {
			s.WakeWorkers(ctx)
		}
	}

	// Published after the firing transaction committed.
	for _, e := range events {
		s.notifier.Publish(ctx, e)
	}
}

// planTask decides what one due task contributes to this tick.
func (s *Scheduler) planTask(task *domain.Task, org *domain.Organization, now time.Time, quotaUsed map[string]int, notified map[string]bool, events *[]notifier.Event) repository.TaskPlan {
	next := *task.NextRunAt

	// Upcoming: inside the lookahead window but not yet due.
	if next.After(now) {
		if !s.consumeQuota(org, quotaUsed, notified, events) {
			// Advance anyway so an over-quota task cannot camp at the
			// head of the due queue forever.
			return repository.TaskPlan{NextRunAt: s.advance(task, next, now), QuotaHit: true}
		}
		fire := next
		return repository.TaskPlan{Pending: &fire, NextRunAt: s.advance(task, next, now)}
	}

	// Overdue: reconstruct every fire between next_run_at and now.
	fires, resume := s.fireTimes(task, next, now)

	// No backfill: a task created after some of these fire times never
	// owed them.
	fires = lo.Filter(fires, func(ft time.Time, _ int) bool {
		return !ft.Before(task.CreatedAt)
	})
	if len(fires) == 0 {
		return repository.TaskPlan{NextRunAt: resume}
	}

	last := fires[len(fires)-1]
	plan := repository.TaskPlan{NextRunAt: resume}

	if now.Sub(last) <= s.grace(task) {
		if s.consumeQuota(org, quotaUsed, notified, events) {
			fire := last
			plan.Pending = &fire
			plan.Missed = fires[:len(fires)-1]
			return plan
		}
		plan.QuotaHit = true
	}
	plan.Missed = fires
	return plan
}

// consumeQuota accounts one would-be execution against the org's monthly
// limit, including fires earlier in this same tick. Emits threshold
// events at the 80% and 100% crossings, once per org per tick.
func (s *Scheduler) consumeQuota(org *domain.Organization, quotaUsed map[string]int, notified map[string]bool, events *[]notifier.Event) bool {
	limit := org.Tier.MonthlyExecutionLimit()
	current := org.MonthlyExecutionCount + quotaUsed[org.ID]

	if current >= limit {
		if key := org.ID + ":100"; !notified[key] {
			notified[key] = true
			*events = append(*events, notifier.Event{
				Kind:      notifier.KindQuotaExhausted,
				Org:       org,
				Threshold: 100,
			})
		}
		return false
	}

	quotaUsed[org.ID]++
	if current*5 < limit*4 && (current+1)*5 >= limit*4 {
		if key := org.ID + ":80"; !notified[key] {
			notified[key] = true
			*events = append(*events, notifier.Event{
				Kind:      notifier.KindQuotaWarning,
				Org:       org,
				Threshold: 80,
			})
		}
	}
	return true
}

// fireTimes lists fire times from `from` through now (inclusive), capped
// at catchUpCap, plus the next_run_at to resume from afterwards.
func (s *Scheduler) fireTimes(task *domain.Task, from, now time.Time) ([]time.Time, *time.Time) {
	if task.ScheduleType == domain.ScheduleOnce || task.CronExpr == nil {
		return []time.Time{from}, nil
	}

	sched, err := cronx.Parse(*task.CronExpr)
	if err != nil {
		// Expression was validated on create; this should never happen.
		s.logger.Error("invalid cron expression on task", "task_id", task.ID, "error", err)
		fallback := now.Add(time.Hour)
		return nil, &fallback
	}

	fires := make([]time.Time, 0, 4)
	t := from
	for !t.After(now) && len(fires) < catchUpCap {
		fires = append(fires, t)
		t = cronx.NextAfter(sched, t)
	}
	// When capped, t is still in the past and the next tick resumes there.
	return fires, &t
}

func (s *Scheduler) advance(task *domain.Task, from, now time.Time) *time.Time {
	if task.ScheduleType == domain.ScheduleOnce || task.CronExpr == nil {
		return nil
	}
	sched, err := cronx.Parse(*task.CronExpr)
	if err != nil {
		s.logger.Error("invalid cron expression on task", "task_id", task.ID, "error", err)
		fallback := now.Add(time.Hour)
		return &fallback
	}
	next := cronx.NextAfter(sched, from)
	return &next
}

func (s *Scheduler) grace(task *domain.Task) time.Duration {
	if task.ScheduleType == domain.ScheduleOnce {
		return cronx.GraceOnce
	}
	var interval time.Duration
	if task.IntervalMinutes != nil {
		interval = time.Duration(*task.IntervalMinutes) * time.Minute
	}
	return cronx.Grace(interval)
}
