package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type IdempotencyRepository struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

func (r *IdempotencyRepository) Get(ctx context.Context, orgID, key string) (string, bool, error) {
	var taskID string
	err := r.pool.QueryRow(ctx,
		`SELECT task_id FROM idempotency_keys WHERE organization_id = $1 AND key = $2`,
		orgID, key).Scan(&taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get idempotency key: %w", err)
	}
	return taskID, true, nil
}

func (r *IdempotencyRepository) Put(ctx context.Context, orgID, key, taskID string) error {
	// Concurrent creates with the same key race to insert; the loser
	// keeps the winner's mapping.
	_, err := r.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (organization_id, key, task_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (organization_id, key) DO NOTHING`,
		orgID, key, taskID)
	if err != nil {
		return fmt.Errorf("put idempotency key: %w", err)
	}
	return nil
}
