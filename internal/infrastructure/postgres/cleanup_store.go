package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CleanupStore struct {
	pool *pgxpool.Pool
}

func NewCleanupStore(pool *pgxpool.Pool) *CleanupStore {
	return &CleanupStore{pool: pool}
}

// PurgeAged applies tier retention and rolls monthly counters over. One
// transaction under the cleanup lock: a second node either sees leader
// false or a fully-purged database, never a half-purged one.
func (s *CleanupStore) PurgeAged(ctx context.Context, now time.Time) (stats repository.CleanupStats, leader bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	leader, err = tryAdvisoryLock(ctx, tx, lockCleanup)
	if err != nil {
		return stats, false, err
	}
	if !leader {
		err = tx.Commit(ctx)
		return stats, false, err
	}

	proDays := domain.TierPro.RetentionDays()
	freeDays := domain.TierFree.RetentionDays()

	stats.Executions, err = purge(ctx, tx, `
		DELETE FROM executions e
		USING organizations o
		WHERE o.id = e.organization_id
		  AND e.status IN ('success', 'failed', 'timeout', 'missed')
		  AND e.scheduled_for < $1::timestamptz - make_interval(days => CASE WHEN o.tier = 'pro' THEN $2::int ELSE $3::int END)`,
		now, proDays, freeDays)
	if err != nil {
		return stats, false, fmt.Errorf("purge executions: %w", err)
	}

	// Finished one-shots (including inbound forward tasks) and
	// soft-deleted tasks; their executions cascade.
	stats.Tasks, err = purge(ctx, tx, `
		DELETE FROM tasks t
		USING organizations o
		WHERE o.id = t.organization_id
		  AND (
		        t.deleted_at < $1::timestamptz - make_interval(days => CASE WHEN o.tier = 'pro' THEN $2::int ELSE $3::int END)
		     OR (t.schedule_type = 'once'
		         AND t.next_run_at IS NULL
		         AND COALESCE(t.last_execution_at, t.updated_at) < $1::timestamptz - make_interval(days => CASE WHEN o.tier = 'pro' THEN $2::int ELSE $3::int END)
		         AND NOT EXISTS (
		             SELECT 1 FROM executions e
		             WHERE e.task_id = t.id AND e.status IN ('pending', 'running')))
		  )`,
		now, proDays, freeDays)
	if err != nil {
		return stats, false, fmt.Errorf("purge tasks: %w", err)
	}

	stats.InboundEvents, err = purge(ctx, tx, `
		DELETE FROM inbound_events e
		USING organizations o
		WHERE o.id = e.organization_id
		  AND e.created_at < $1::timestamptz - make_interval(days => CASE WHEN o.tier = 'pro' THEN $2::int ELSE $3::int END)`,
		now, proDays, freeDays)
	if err != nil {
		return stats, false, fmt.Errorf("purge inbound events: %w", err)
	}

	stats.MonitorPings, err = purge(ctx, tx, `
		DELETE FROM monitor_pings p
		USING monitors m, organizations o
		WHERE m.id = p.monitor_id
		  AND o.id = m.organization_id
		  AND p.received_at < $1::timestamptz - make_interval(days => CASE WHEN o.tier = 'pro' THEN $2::int ELSE $3::int END)`,
		now, proDays, freeDays)
	if err != nil {
		return stats, false, fmt.Errorf("purge monitor pings: %w", err)
	}

	// Fixed windows, not tier-dependent. Idempotency keys only need to
	// outlive client retry storms; the logs are kept for support.
	stats.IdempotencyKeys, err = purge(ctx, tx, `
		DELETE FROM idempotency_keys
		WHERE created_at < $1::timestamptz - interval '24 hours'`,
		now)
	if err != nil {
		return stats, false, fmt.Errorf("purge idempotency keys: %w", err)
	}

	stats.EmailLogs, err = purge(ctx, tx, `
		DELETE FROM email_logs
		WHERE created_at < $1::timestamptz - interval '90 days'`,
		now)
	if err != nil {
		return stats, false, fmt.Errorf("purge email logs: %w", err)
	}

	stats.AuditLogs, err = purge(ctx, tx, `
		DELETE FROM audit_logs
		WHERE created_at < $1::timestamptz - interval '180 days'`,
		now)
	if err != nil {
		return stats, false, fmt.Errorf("purge audit logs: %w", err)
	}

	stats.CountersReset, err = purge(ctx, tx, `
		UPDATE organizations
		SET    monthly_execution_count = 0,
		       count_resets_at = date_trunc('month', $1::timestamptz) + interval '1 month',
		       updated_at = NOW()
		WHERE count_resets_at <= $1::timestamptz`,
		now)
	if err != nil {
		return stats, false, fmt.Errorf("reset monthly counters: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return stats, false, fmt.Errorf("commit tx: %w", err)
	}
	return stats, true, nil
}

func purge(ctx context.Context, tx pgx.Tx, query string, args ...any) (int64, error) {
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
