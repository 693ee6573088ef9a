package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, organization_id, name, url, method, headers, body,
	       timeout_seconds, retry_attempts, schedule_type, cron_expr,
	       interval_minutes, scheduled_at, next_run_at, enabled, queue,
	       callback_url, last_execution_at, deleted_at, created_at, updated_at`

type TaskRepository struct {
	pool *pgxpool.Pool
}

func NewTaskRepository(pool *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

func (r *TaskRepository) Create(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	query := `
		INSERT INTO tasks (
			id, organization_id, name, url, method, headers, body,
			timeout_seconds, retry_attempts, schedule_type, cron_expr,
			interval_minutes, scheduled_at, next_run_at, enabled, queue,
			callback_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING ` + taskColumns

	row := r.pool.QueryRow(ctx, query,
		t.ID, t.OrganizationID, t.Name, t.URL, t.Method, t.Headers, t.Body,
		t.TimeoutSeconds, t.RetryAttempts, t.ScheduleType, t.CronExpr,
		t.IntervalMinutes, t.ScheduledAt, t.NextRunAt, t.Enabled, t.Queue,
		t.CallbackURL,
	)
	return scanTask(row)
}

func (r *TaskRepository) GetByID(ctx context.Context, taskID, orgID string) (*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL`

	row := r.pool.QueryRow(ctx, query, taskID, orgID)
	return scanTask(row)
}

func (r *TaskRepository) List(ctx context.Context, input repository.ListTasksInput) ([]*domain.Task, error) {
	args := []any{input.OrganizationID}
	where := []string{"organization_id = $1", "deleted_at IS NULL"}

	if input.Enabled != nil {
		args = append(args, *input.Enabled)
		where = append(where, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT `+taskColumns+`
		FROM tasks
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *TaskRepository) Update(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	query := `
		UPDATE tasks
		SET    name             = $3,
		       url              = $4,
		       method           = $5,
		       headers          = $6,
		       body             = $7,
		       timeout_seconds  = $8,
		       retry_attempts   = $9,
		       cron_expr        = $10,
		       interval_minutes = $11,
		       scheduled_at     = $12,
		       next_run_at      = $13,
		       enabled          = $14,
		       queue            = $15,
		       callback_url     = $16,
		       updated_at       = NOW()
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL
		RETURNING ` + taskColumns

	row := r.pool.QueryRow(ctx, query,
		t.ID, t.OrganizationID, t.Name, t.URL, t.Method, t.Headers, t.Body,
		t.TimeoutSeconds, t.RetryAttempts, t.CronExpr, t.IntervalMinutes,
		t.ScheduledAt, t.NextRunAt, t.Enabled, t.Queue, t.CallbackURL,
	)
	return scanTask(row)
}

// SoftDelete marks the task deleted and drops its not-yet-claimed
// executions in the same transaction, so workers cannot pick up work for
// a task the tenant just removed.
func (r *TaskRepository) SoftDelete(ctx context.Context, taskID, orgID string) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx,
		`UPDATE tasks
		 SET deleted_at = NOW(), enabled = FALSE, next_run_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL`,
		taskID, orgID)
	if err != nil {
		return fmt.Errorf("soft delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}

	if _, err = tx.Exec(ctx,
		`DELETE FROM executions WHERE task_id = $1 AND status = 'pending'`, taskID); err != nil {
		return fmt.Errorf("cancel pending executions: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(
		&t.ID, &t.OrganizationID, &t.Name, &t.URL, &t.Method, &t.Headers, &t.Body,
		&t.TimeoutSeconds, &t.RetryAttempts, &t.ScheduleType, &t.CronExpr,
		&t.IntervalMinutes, &t.ScheduledAt, &t.NextRunAt, &t.Enabled, &t.Queue,
		&t.CallbackURL, &t.LastExecutionAt, &t.DeletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}
