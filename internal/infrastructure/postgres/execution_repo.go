package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const executionColumns = `id, task_id, organization_id, attempt, status,
	       scheduled_for, started_at, finished_at, duration_ms,
	       status_code, response_body, error_message, created_at, updated_at`

type ExecutionRepository struct {
	pool *pgxpool.Pool
}

func NewExecutionRepository(pool *pgxpool.Pool) *ExecutionRepository {
	return &ExecutionRepository{pool: pool}
}

func (r *ExecutionRepository) Create(ctx context.Context, e *domain.Execution) (*domain.Execution, error) {
	query := `
		INSERT INTO executions (id, task_id, organization_id, attempt, status, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + executionColumns

	row := r.pool.QueryRow(ctx, query,
		e.ID, e.TaskID, e.OrganizationID, e.Attempt, e.Status, e.ScheduledFor,
	)
	return scanExecution(row)
}

func (r *ExecutionRepository) GetByID(ctx context.Context, executionID, orgID string) (*domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE id = $1 AND organization_id = $2`

	row := r.pool.QueryRow(ctx, query, executionID, orgID)
	return scanExecution(row)
}

func (r *ExecutionRepository) List(ctx context.Context, input repository.ListExecutionsInput) ([]*domain.Execution, error) {
	args := []any{input.OrganizationID}
	where := []string{"organization_id = $1"}

	if input.TaskID != "" {
		args = append(args, input.TaskID)
		where = append(where, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if input.Status != "" {
		args = append(args, input.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(scheduled_for, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT `+executionColumns+`
		FROM executions
		WHERE %s
		ORDER BY scheduled_for DESC, id DESC
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// ClaimNext claims the single highest-priority due execution. Paid tenants
// go first, then tasks on tighter intervals, then oldest scheduled_for.
// FOR UPDATE SKIP LOCKED prevents double-claims across workers.
func (r *ExecutionRepository) ClaimNext(ctx context.Context) (d *domain.Delivery, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := `
		SELECT e.id, e.task_id, e.organization_id, e.attempt, e.status,
		       e.scheduled_for, e.started_at, e.finished_at, e.duration_ms,
		       e.status_code, e.response_body, e.error_message, e.created_at, e.updated_at,
		       t.id, t.organization_id, t.name, t.url, t.method, t.headers, t.body,
		       t.timeout_seconds, t.retry_attempts, t.schedule_type, t.cron_expr,
		       t.interval_minutes, t.scheduled_at, t.next_run_at, t.enabled, t.queue,
		       t.callback_url, t.last_execution_at, t.deleted_at, t.created_at, t.updated_at,
		       o.id, o.name, o.tier, o.webhook_secret, o.notify_email, o.notify_webhook_url,
		       o.monthly_execution_count, o.created_at, o.updated_at
		FROM executions e
		JOIN tasks t ON t.id = e.task_id
		JOIN organizations o ON o.id = e.organization_id
		WHERE e.status = 'pending'
		  AND e.scheduled_for <= NOW()
		  AND t.deleted_at IS NULL
		ORDER BY (o.tier = 'pro') DESC, t.interval_minutes ASC NULLS LAST, e.scheduled_for ASC
		LIMIT 1
		FOR UPDATE OF e SKIP LOCKED`

	var (
		e domain.Execution
		t domain.Task
		o domain.Organization
	)
	err = tx.QueryRow(ctx, query).Scan(
		&e.ID, &e.TaskID, &e.OrganizationID, &e.Attempt, &e.Status,
		&e.ScheduledFor, &e.StartedAt, &e.FinishedAt, &e.DurationMS,
		&e.StatusCode, &e.ResponseBody, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt,
		&t.ID, &t.OrganizationID, &t.Name, &t.URL, &t.Method, &t.Headers, &t.Body,
		&t.TimeoutSeconds, &t.RetryAttempts, &t.ScheduleType, &t.CronExpr,
		&t.IntervalMinutes, &t.ScheduledAt, &t.NextRunAt, &t.Enabled, &t.Queue,
		&t.CallbackURL, &t.LastExecutionAt, &t.DeletedAt, &t.CreatedAt, &t.UpdatedAt,
		&o.ID, &o.Name, &o.Tier, &o.WebhookSecret, &o.NotifyEmail, &o.NotifyWebhookURL,
		&o.MonthlyExecutionCount, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.Commit(ctx)
			return nil, err
		}
		return nil, fmt.Errorf("claim execution: %w", err)
	}

	var startedAt time.Time
	err = tx.QueryRow(ctx,
		`UPDATE executions
		 SET status = 'running', started_at = NOW(), updated_at = NOW()
		 WHERE id = $1
		 RETURNING started_at`, e.ID).Scan(&startedAt)
	if err != nil {
		return nil, fmt.Errorf("mark execution running: %w", err)
	}
	e.Status = domain.ExecutionRunning
	e.StartedAt = &startedAt

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &domain.Delivery{Execution: &e, Task: &t, Org: &o}, nil
}

func (r *ExecutionRepository) Finish(ctx context.Context, executionID string, status domain.ExecutionStatus, out domain.Outcome) error {
	tag, err := r.pool.Exec(ctx, finishQuery,
		executionID, status, out.Duration.Milliseconds(), out.StatusCode, out.ResponseBody, out.ErrorMessage)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotRunning
	}
	return nil
}

// The running guard means a recovery sweep that already failed this row
// wins, and the late worker result is dropped.
const finishQuery = `
	UPDATE executions
	SET    status        = $2,
	       finished_at   = NOW(),
	       duration_ms   = $3,
	       status_code   = $4,
	       response_body = $5,
	       error_message = $6,
	       updated_at    = NOW()
	WHERE id = $1 AND status = 'running'`

func (r *ExecutionRepository) FinishAndRetry(ctx context.Context, executionID string, status domain.ExecutionStatus, out domain.Outcome, retry *domain.Execution) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, finishQuery,
		executionID, status, out.Duration.Milliseconds(), out.StatusCode, out.ResponseBody, out.ErrorMessage)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotRunning
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO executions (id, task_id, organization_id, attempt, status, scheduled_for)
		 VALUES ($1, $2, $3, $4, 'pending', $5)`,
		retry.ID, retry.TaskID, retry.OrganizationID, retry.Attempt, retry.ScheduledFor); err != nil {
		return fmt.Errorf("insert retry execution: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *ExecutionRepository) PreviousTerminalStatus(ctx context.Context, taskID, excludeID string) (domain.ExecutionStatus, error) {
	query := `
		SELECT status FROM executions
		WHERE task_id = $1
		  AND id <> $2
		  AND status IN ('success', 'failed', 'timeout')
		ORDER BY finished_at DESC NULLS LAST
		LIMIT 1`

	var status domain.ExecutionStatus
	err := r.pool.QueryRow(ctx, query, taskID, excludeID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("previous terminal status: %w", err)
	}
	return status, nil
}

func (r *ExecutionRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM executions WHERE status = 'pending' AND scheduled_for <= NOW()`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (r *ExecutionRepository) RecoverStale(ctx context.Context, olderThan time.Time, message string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE executions
		SET    status        = 'failed',
		       error_message = $2,
		       finished_at   = NOW(),
		       updated_at    = NOW()
		WHERE status = 'running' AND started_at < $1`,
		olderThan, message)
	if err != nil {
		return 0, fmt.Errorf("recover stale executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var e domain.Execution
	err := row.Scan(
		&e.ID, &e.TaskID, &e.OrganizationID, &e.Attempt, &e.Status,
		&e.ScheduledFor, &e.StartedAt, &e.FinishedAt, &e.DurationMS,
		&e.StatusCode, &e.ResponseBody, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return &e, nil
}
