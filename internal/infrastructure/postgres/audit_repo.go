package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

func (r *AuditRepository) Record(ctx context.Context, entry *domain.AuditLog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, organization_id, action, target_type, target_id, detail)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.OrganizationID, entry.Action, entry.TargetType, entry.TargetID, entry.Detail)
	if err != nil {
		return fmt.Errorf("record audit log: %w", err)
	}
	return nil
}

func (r *AuditRepository) List(ctx context.Context, orgID string, limit int) ([]*domain.AuditLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, organization_id, action, target_type, target_id, detail, created_at
		 FROM audit_logs
		 WHERE organization_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*domain.AuditLog
	for rows.Next() {
		var e domain.AuditLog
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.Action, &e.TargetType, &e.TargetID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

type EmailLogRepository struct {
	pool *pgxpool.Pool
}

func NewEmailLogRepository(pool *pgxpool.Pool) *EmailLogRepository {
	return &EmailLogRepository{pool: pool}
}

func (r *EmailLogRepository) Record(ctx context.Context, entry *domain.EmailLog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO email_logs (id, organization_id, recipient, subject, kind, provider_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.OrganizationID, entry.Recipient, entry.Subject, entry.Kind, entry.ProviderID)
	if err != nil {
		return fmt.Errorf("record email log: %w", err)
	}
	return nil
}

func (r *EmailLogRepository) LastOfKind(ctx context.Context, orgID, kind string) (*time.Time, error) {
	var at time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT created_at FROM email_logs
		 WHERE organization_id = $1 AND kind = $2
		 ORDER BY created_at DESC
		 LIMIT 1`, orgID, kind).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last email of kind: %w", err)
	}
	return &at, nil
}
