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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const endpointColumns = `id, organization_id, name, slug, forward_urls,
	       retry_attempts, queue, enabled, created_at, updated_at`

const inboundEventColumns = `id, endpoint_id, organization_id, method,
	       headers, body, source_ip, task_ids, created_at`

type EndpointRepository struct {
	pool *pgxpool.Pool
}

func NewEndpointRepository(pool *pgxpool.Pool) *EndpointRepository {
	return &EndpointRepository{pool: pool}
}

func (r *EndpointRepository) Create(ctx context.Context, e *domain.Endpoint) (*domain.Endpoint, error) {
	query := `
		INSERT INTO endpoints (id, organization_id, name, slug, forward_urls, retry_attempts, queue, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + endpointColumns

	row := r.pool.QueryRow(ctx, query,
		e.ID, e.OrganizationID, e.Name, e.Slug, e.ForwardURLs, e.RetryAttempts, e.Queue, e.Enabled,
	)
	created, err := scanEndpoint(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrEndpointSlugConflict
		}
		return nil, err
	}
	return created, nil
}

func (r *EndpointRepository) GetByID(ctx context.Context, endpointID, orgID string) (*domain.Endpoint, error) {
	query := `
		SELECT ` + endpointColumns + `
		FROM endpoints
		WHERE id = $1 AND organization_id = $2`

	row := r.pool.QueryRow(ctx, query, endpointID, orgID)
	return scanEndpoint(row)
}

func (r *EndpointRepository) GetBySlug(ctx context.Context, slug string) (*domain.Endpoint, error) {
	query := `
		SELECT ` + endpointColumns + `
		FROM endpoints
		WHERE slug = $1`

	row := r.pool.QueryRow(ctx, query, slug)
	return scanEndpoint(row)
}

func (r *EndpointRepository) List(ctx context.Context, input repository.ListEndpointsInput) ([]*domain.Endpoint, error) {
	args := []any{input.OrganizationID}
	where := []string{"organization_id = $1"}

	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT `+endpointColumns+`
		FROM endpoints
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*domain.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

func (r *EndpointRepository) Update(ctx context.Context, e *domain.Endpoint) (*domain.Endpoint, error) {
	query := `
		UPDATE endpoints
		SET    name           = $3,
		       slug           = $4,
		       forward_urls   = $5,
		       retry_attempts = $6,
		       queue          = $7,
		       enabled        = $8,
		       updated_at     = NOW()
		WHERE id = $1 AND organization_id = $2
		RETURNING ` + endpointColumns

	row := r.pool.QueryRow(ctx, query,
		e.ID, e.OrganizationID, e.Name, e.Slug, e.ForwardURLs, e.RetryAttempts, e.Queue, e.Enabled,
	)
	updated, err := scanEndpoint(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrEndpointSlugConflict
		}
		return nil, err
	}
	return updated, nil
}

func (r *EndpointRepository) Delete(ctx context.Context, endpointID, orgID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM endpoints WHERE id = $1 AND organization_id = $2`,
		endpointID, orgID)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEndpointNotFound
	}
	return nil
}

// Receive records the event, creates every forward task with its pending
// execution, and links the task ids back onto the event. One transaction:
// an inbound webhook is either fully fanned out or not recorded at all.
func (r *EndpointRepository) Receive(ctx context.Context, event *domain.InboundEvent, forwards []*domain.Task, now time.Time) (stored *domain.InboundEvent, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx,
		`INSERT INTO inbound_events (id, endpoint_id, organization_id, method, headers, body, source_ip)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.EndpointID, event.OrganizationID, event.Method, event.Headers, event.Body, event.SourceIP,
	); err != nil {
		return nil, fmt.Errorf("insert inbound event: %w", err)
	}

	taskIDs := make([]string, 0, len(forwards))
	for _, t := range forwards {
		if _, err = tx.Exec(ctx,
			`INSERT INTO tasks (
				id, organization_id, name, url, method, headers, body,
				timeout_seconds, retry_attempts, schedule_type, scheduled_at,
				next_run_at, enabled, queue
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'once', $10, NULL, TRUE, $11)`,
			t.ID, t.OrganizationID, t.Name, t.URL, t.Method, t.Headers, t.Body,
			t.TimeoutSeconds, t.RetryAttempts, t.ScheduledAt, t.Queue,
		); err != nil {
			return nil, fmt.Errorf("insert forward task: %w", err)
		}

		if _, err = tx.Exec(ctx,
			`INSERT INTO executions (id, task_id, organization_id, attempt, status, scheduled_for)
			 VALUES ($1, $2, $3, 1, 'pending', $4)`,
			domain.NewID(), t.ID, t.OrganizationID, now,
		); err != nil {
			return nil, fmt.Errorf("insert forward execution: %w", err)
		}
		taskIDs = append(taskIDs, t.ID)
	}

	row := tx.QueryRow(ctx,
		`UPDATE inbound_events SET task_ids = $2 WHERE id = $1
		 RETURNING `+inboundEventColumns,
		event.ID, taskIDs)
	stored, err = scanInboundEvent(row)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return stored, nil
}

func (r *EndpointRepository) GetEvent(ctx context.Context, eventID, orgID string) (*domain.InboundEvent, error) {
	query := `
		SELECT ` + inboundEventColumns + `
		FROM inbound_events
		WHERE id = $1 AND organization_id = $2`

	row := r.pool.QueryRow(ctx, query, eventID, orgID)
	return scanInboundEvent(row)
}

func (r *EndpointRepository) ListEvents(ctx context.Context, input repository.ListInboundEventsInput) ([]*domain.InboundEvent, error) {
	args := []any{input.OrganizationID}
	where := []string{"organization_id = $1"}

	if input.EndpointID != "" {
		args = append(args, input.EndpointID)
		where = append(where, fmt.Sprintf("endpoint_id = $%d", len(args)))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT `+inboundEventColumns+`
		FROM inbound_events
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list inbound events: %w", err)
	}
	defer rows.Close()

	var events []*domain.InboundEvent
	for rows.Next() {
		e, err := scanInboundEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Replay re-fires every forward task recorded on the event. Fails whole
// if any linked task has been purged since.
func (r *EndpointRepository) Replay(ctx context.Context, eventID, orgID string, now time.Time) (created int, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var taskIDs []string
	err = tx.QueryRow(ctx,
		`SELECT task_ids FROM inbound_events WHERE id = $1 AND organization_id = $2`,
		eventID, orgID).Scan(&taskIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrInboundEventNotFound
		}
		return 0, fmt.Errorf("load inbound event: %w", err)
	}

	var live int
	if err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE id = ANY($1)`, taskIDs).Scan(&live); err != nil {
		return 0, fmt.Errorf("check forward tasks: %w", err)
	}
	if live != len(taskIDs) {
		return 0, domain.ErrForwardTaskDeleted
	}

	for _, taskID := range taskIDs {
		if _, err = tx.Exec(ctx,
			`INSERT INTO executions (id, task_id, organization_id, attempt, status, scheduled_for)
			 VALUES ($1, $2, $3, 1, 'pending', $4)`,
			domain.NewID(), taskID, orgID, now,
		); err != nil {
			return 0, fmt.Errorf("insert replay execution: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return len(taskIDs), nil
}

func scanEndpoint(row rowScanner) (*domain.Endpoint, error) {
	var e domain.Endpoint
	err := row.Scan(
		&e.ID, &e.OrganizationID, &e.Name, &e.Slug, &e.ForwardURLs,
		&e.RetryAttempts, &e.Queue, &e.Enabled, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEndpointNotFound
		}
		return nil, fmt.Errorf("scan endpoint: %w", err)
	}
	return &e, nil
}

func scanInboundEvent(row rowScanner) (*domain.InboundEvent, error) {
	var e domain.InboundEvent
	err := row.Scan(
		&e.ID, &e.EndpointID, &e.OrganizationID, &e.Method,
		&e.Headers, &e.Body, &e.SourceIP, &e.TaskIDs, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInboundEventNotFound
		}
		return nil, fmt.Errorf("scan inbound event: %w", err)
	}
	return &e, nil
}
