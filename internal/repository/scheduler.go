package repository

import (
	"context"
	"time"

	"github.com/gautema/runlater/internal/domain"
)

// TaskPlan is the scheduler's decision for one due task. The store
// materializes it: one missed execution per entry in Missed, at most one
// pending execution, and the task's next_run_at moved to NextRunAt.
type TaskPlan struct {
	Missed    []time.Time
	Pending   *time.Time // scheduled_for of the pending execution; nil = none
	NextRunAt *time.Time // nil = task is done (one-shot fired or disabled)
	QuotaHit  bool       // fire was skipped because the org is over quota
}

// PlanFunc decides what to do with one due task. Pure: no I/O, called
// inside the firing transaction.
type PlanFunc func(task *domain.Task, org *domain.Organization, now time.Time) TaskPlan

// SchedulerStore is the scheduler's single entry point into storage.
type SchedulerStore interface {
	// FireDue runs one scheduling pass in a transaction: take the
	// scheduler advisory lock (leader=false and no work when another
	// node holds it), select enabled tasks with next_run_at within
	// lookahead joined with their organizations, apply plan to each,
	// and persist the resulting executions and next_run_at moves.
	// Returns the number of pending executions created.
	FireDue(ctx context.Context, now time.Time, lookahead time.Duration, limit int, plan PlanFunc) (created int, leader bool, err error)
}
