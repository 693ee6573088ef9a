package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gautema/runlater/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OrganizationRepository struct {
	pool *pgxpool.Pool
}

func NewOrganizationRepository(pool *pgxpool.Pool) *OrganizationRepository {
	return &OrganizationRepository{pool: pool}
}

func (r *OrganizationRepository) Upsert(ctx context.Context, org *domain.Organization) (*domain.Organization, error) {
	// Secret and tier are set on first insert only; a later upsert with
	// the same id just refreshes updated_at and returns the stored row.
	query := `
		INSERT INTO organizations (id, name, tier, webhook_secret, notify_email, notify_webhook_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()
		RETURNING id, name, tier, webhook_secret, notify_email, notify_webhook_url,
		          monthly_execution_count, created_at, updated_at`

	row := r.pool.QueryRow(ctx, query,
		org.ID, org.Name, org.Tier, org.WebhookSecret, org.NotifyEmail, org.NotifyWebhookURL,
	)
	return scanOrganization(row)
}

func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*domain.Organization, error) {
	query := `
		SELECT id, name, tier, webhook_secret, notify_email, notify_webhook_url,
		       monthly_execution_count, created_at, updated_at
		FROM organizations
		WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	return scanOrganization(row)
}

func (r *OrganizationRepository) UpdateNotifySettings(ctx context.Context, id string, email, webhookURL *string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE organizations
		 SET notify_email = $2, notify_webhook_url = $3, updated_at = NOW()
		 WHERE id = $1`, id, email, webhookURL)
	if err != nil {
		return fmt.Errorf("update notify settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrganizationNotFound
	}
	return nil
}

func scanOrganization(row rowScanner) (*domain.Organization, error) {
	var o domain.Organization
	err := row.Scan(
		&o.ID, &o.Name, &o.Tier, &o.WebhookSecret, &o.NotifyEmail, &o.NotifyWebhookURL,
		&o.MonthlyExecutionCount, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	return &o, nil
}
