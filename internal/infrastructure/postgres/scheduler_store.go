package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SchedulerStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewSchedulerStore(pool *pgxpool.Pool, logger *slog.Logger) *SchedulerStore {
	return &SchedulerStore{pool: pool, logger: logger.With("component", "scheduler_store")}
}

// FireDue runs one scheduling pass. The advisory lock elects a leader per
// tick; everything from task selection to execution creation commits in
// one transaction, so a crash mid-pass fires the same tasks again rather
// than losing them.
func (s *SchedulerStore) FireDue(ctx context.Context, now time.Time, lookahead time.Duration, limit int, plan repository.PlanFunc) (created int, leader bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	leader, err = tryAdvisoryLock(ctx, tx, lockScheduler)
	if err != nil {
		return 0, false, err
	}
	if !leader {
		err = tx.Commit(ctx)
		return 0, false, err
	}

	// FOR UPDATE SKIP LOCKED keeps a manual run-now or update from
	// stalling the whole pass on one contended task row.
	rows, err := tx.Query(ctx, `
		SELECT t.id, t.organization_id, t.name, t.url, t.method, t.headers, t.body,
		       t.timeout_seconds, t.retry_attempts, t.schedule_type, t.cron_expr,
		       t.interval_minutes, t.scheduled_at, t.next_run_at, t.enabled, t.queue,
		       t.callback_url, t.last_execution_at, t.deleted_at, t.created_at, t.updated_at,
		       o.id, o.name, o.tier, o.webhook_secret, o.notify_email, o.notify_webhook_url,
		       o.monthly_execution_count, o.created_at, o.updated_at
		FROM tasks t
		JOIN organizations o ON o.id = t.organization_id
		WHERE t.enabled
		  AND t.deleted_at IS NULL
		  AND t.next_run_at IS NOT NULL
		  AND t.next_run_at <= $1
		ORDER BY t.next_run_at ASC
		LIMIT $2
		FOR UPDATE OF t SKIP LOCKED`, now.Add(lookahead), limit)
	if err != nil {
		return 0, false, fmt.Errorf("select due tasks: %w", err)
	}

	type dueTask struct {
		task *domain.Task
		org  *domain.Organization
	}
	var due []dueTask
	for rows.Next() {
		var (
			t domain.Task
			o domain.Organization
		)
		scanErr := rows.Scan(
			&t.ID, &t.OrganizationID, &t.Name, &t.URL, &t.Method, &t.Headers, &t.Body,
			&t.TimeoutSeconds, &t.RetryAttempts, &t.ScheduleType, &t.CronExpr,
			&t.IntervalMinutes, &t.ScheduledAt, &t.NextRunAt, &t.Enabled, &t.Queue,
			&t.CallbackURL, &t.LastExecutionAt, &t.DeletedAt, &t.CreatedAt, &t.UpdatedAt,
			&o.ID, &o.Name, &o.Tier, &o.WebhookSecret, &o.NotifyEmail, &o.NotifyWebhookURL,
			&o.MonthlyExecutionCount, &o.CreatedAt, &o.UpdatedAt,
		)
		if scanErr != nil {
			rows.Close()
			err = fmt.Errorf("scan due task: %w", scanErr)
			return 0, false, err
		}
		due = append(due, dueTask{task: &t, org: &o})
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, false, fmt.Errorf("iterate due tasks: %w", err)
	}

	for _, d := range due {
		p := plan(d.task, d.org, now)

		for _, missedAt := range p.Missed {
			if _, err = tx.Exec(ctx,
				`INSERT INTO executions (id, task_id, organization_id, attempt, status, scheduled_for)
				 VALUES ($1, $2, $3, 1, 'missed', $4)`,
				domain.NewID(), d.task.ID, d.task.OrganizationID, missedAt); err != nil {
				return 0, false, fmt.Errorf("insert missed execution for task %s: %w", d.task.ID, err)
			}
		}

		if p.Pending != nil {
			if _, err = tx.Exec(ctx,
				`INSERT INTO executions (id, task_id, organization_id, attempt, status, scheduled_for)
				 VALUES ($1, $2, $3, 1, 'pending', $4)`,
				domain.NewID(), d.task.ID, d.task.OrganizationID, *p.Pending); err != nil {
				return 0, false, fmt.Errorf("insert pending execution for task %s: %w", d.task.ID, err)
			}
			created++
		}

		if _, err = tx.Exec(ctx,
			`UPDATE tasks SET next_run_at = $2, updated_at = NOW() WHERE id = $1`,
			d.task.ID, p.NextRunAt); err != nil {
			return 0, false, fmt.Errorf("advance task %s: %w", d.task.ID, err)
		}

		if p.QuotaHit {
			s.logger.Warn("execution skipped, over quota",
				"task_id", d.task.ID,
				"organization_id", d.task.OrganizationID,
			)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit tx: %w", err)
	}
	return created, true, nil
}
