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

const monitorColumns = `id, organization_id, name, token, interval_seconds,
	       cron_expr, grace_period_seconds, status, enabled, last_ping_at,
	       next_expected_at, created_at, updated_at`

type MonitorRepository struct {
	pool *pgxpool.Pool
}

func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

func (r *MonitorRepository) Create(ctx context.Context, m *domain.Monitor) (*domain.Monitor, error) {
	query := `
		INSERT INTO monitors (
			id, organization_id, name, token, interval_seconds, cron_expr,
			grace_period_seconds, status, enabled, next_expected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + monitorColumns

	row := r.pool.QueryRow(ctx, query,
		m.ID, m.OrganizationID, m.Name, m.Token, m.IntervalSeconds, m.CronExpr,
		m.GracePeriodSeconds, m.Status, m.Enabled, m.NextExpectedAt,
	)
	return scanMonitor(row)
}

func (r *MonitorRepository) GetByID(ctx context.Context, monitorID, orgID string) (*domain.Monitor, error) {
	query := `
		SELECT ` + monitorColumns + `
		FROM monitors
		WHERE id = $1 AND organization_id = $2`

	row := r.pool.QueryRow(ctx, query, monitorID, orgID)
	return scanMonitor(row)
}

func (r *MonitorRepository) List(ctx context.Context, input repository.ListMonitorsInput) ([]*domain.Monitor, error) {
	args := []any{input.OrganizationID}
	where := []string{"organization_id = $1"}

	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT `+monitorColumns+`
		FROM monitors
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	defer rows.Close()

	var monitors []*domain.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

func (r *MonitorRepository) Update(ctx context.Context, m *domain.Monitor) (*domain.Monitor, error) {
	query := `
		UPDATE monitors
		SET    name                 = $3,
		       interval_seconds     = $4,
		       cron_expr            = $5,
		       grace_period_seconds = $6,
		       status               = $7,
		       enabled              = $8,
		       next_expected_at     = $9,
		       updated_at           = NOW()
		WHERE id = $1 AND organization_id = $2
		RETURNING ` + monitorColumns

	row := r.pool.QueryRow(ctx, query,
		m.ID, m.OrganizationID, m.Name, m.IntervalSeconds, m.CronExpr,
		m.GracePeriodSeconds, m.Status, m.Enabled, m.NextExpectedAt,
	)
	return scanMonitor(row)
}

func (r *MonitorRepository) Delete(ctx context.Context, monitorID, orgID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM monitors WHERE id = $1 AND organization_id = $2`,
		monitorID, orgID)
	if err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMonitorNotFound
	}
	return nil
}

// Ping records a heartbeat. The row lock serializes concurrent pings for
// the same monitor; the expected interval is captured as it was at
// receipt, before next_expected_at moves.
func (r *MonitorRepository) Ping(ctx context.Context, token string, ping *domain.MonitorPing, computeNext func(m *domain.Monitor, now time.Time) *time.Time) (m *domain.Monitor, recovered bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx,
		`SELECT `+monitorColumns+` FROM monitors WHERE token = $1 FOR UPDATE`, token)
	m, err = scanMonitor(row)
	if err != nil {
		return nil, false, err
	}
	if !m.Enabled || m.Status == domain.MonitorPaused {
		return nil, false, domain.ErrMonitorPaused
	}

	expected := expectedIntervalSeconds(m, ping.ReceivedAt)
	if _, err = tx.Exec(ctx,
		`INSERT INTO monitor_pings (id, monitor_id, expected_interval_seconds, source_ip, received_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ping.ID, m.ID, expected, ping.SourceIP, ping.ReceivedAt,
	); err != nil {
		return nil, false, fmt.Errorf("insert monitor ping: %w", err)
	}

	recovered = m.Status == domain.MonitorDown
	next := computeNext(m, ping.ReceivedAt)

	row = tx.QueryRow(ctx,
		`UPDATE monitors
		 SET status = 'up', last_ping_at = $2, next_expected_at = $3, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+monitorColumns,
		m.ID, ping.ReceivedAt, next)
	m, err = scanMonitor(row)
	if err != nil {
		return nil, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}
	return m, recovered, nil
}

// MarkDownDue flips overdue monitors to down under the checker lock, so
// only one node emits down notifications per sweep.
func (r *MonitorRepository) MarkDownDue(ctx context.Context, now time.Time) (monitors []*domain.Monitor, leader bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	leader, err = tryAdvisoryLock(ctx, tx, lockMonitorChecker)
	if err != nil {
		return nil, false, err
	}
	if !leader {
		err = tx.Commit(ctx)
		return nil, false, err
	}

	rows, err := tx.Query(ctx, `
		UPDATE monitors
		SET    status = 'down', updated_at = NOW()
		WHERE enabled
		  AND status IN ('new', 'up')
		  AND next_expected_at IS NOT NULL
		  AND next_expected_at + make_interval(secs => grace_period_seconds) < $1
		RETURNING `+monitorColumns, now)
	if err != nil {
		return nil, false, fmt.Errorf("mark monitors down: %w", err)
	}

	for rows.Next() {
		m, scanErr := scanMonitor(rows)
		if scanErr != nil {
			rows.Close()
			err = scanErr
			return nil, false, err
		}
		monitors = append(monitors, m)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate monitors: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}
	return monitors, true, nil
}

func (r *MonitorRepository) ListPings(ctx context.Context, monitorID, orgID string, limit int) ([]*domain.MonitorPing, error) {
	query := `
		SELECT p.id, p.monitor_id, p.expected_interval_seconds, p.source_ip, p.received_at
		FROM monitor_pings p
		JOIN monitors m ON m.id = p.monitor_id
		WHERE p.monitor_id = $1 AND m.organization_id = $2
		ORDER BY p.received_at DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, monitorID, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pings: %w", err)
	}
	defer rows.Close()

	var pings []*domain.MonitorPing
	for rows.Next() {
		var p domain.MonitorPing
		if err := rows.Scan(&p.ID, &p.MonitorID, &p.ExpectedIntervalSeconds, &p.SourceIP, &p.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan ping: %w", err)
		}
		pings = append(pings, &p)
	}
	return pings, rows.Err()
}

// expectedIntervalSeconds is what the monitor's cadence promised at the
// moment the ping arrived. Cron monitors report the gap to the fire that
// was expected next.
func expectedIntervalSeconds(m *domain.Monitor, now time.Time) int {
	if m.IntervalSeconds != nil {
		return *m.IntervalSeconds
	}
	if m.NextExpectedAt != nil {
		if secs := int(m.NextExpectedAt.Sub(now).Seconds()); secs > 0 {
			return secs
		}
	}
	return 0
}

func scanMonitor(row rowScanner) (*domain.Monitor, error) {
	var m domain.Monitor
	err := row.Scan(
		&m.ID, &m.OrganizationID, &m.Name, &m.Token, &m.IntervalSeconds,
		&m.CronExpr, &m.GracePeriodSeconds, &m.Status, &m.Enabled, &m.LastPingAt,
		&m.NextExpectedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMonitorNotFound
		}
		return nil, fmt.Errorf("scan monitor: %w", err)
	}
	return &m, nil
}
