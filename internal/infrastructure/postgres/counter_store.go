package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CounterStore receives the coalesced writes from the execution counter.
// Plain single-row updates; the batching happens in memory upstream.
type CounterStore struct {
	pool *pgxpool.Pool
}

func NewCounterStore(pool *pgxpool.Pool) *CounterStore {
	return &CounterStore{pool: pool}
}

func (s *CounterStore) AddMonthlyExecutions(ctx context.Context, orgID string, delta int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE organizations
		 SET monthly_execution_count = monthly_execution_count + $2, updated_at = NOW()
		 WHERE id = $1`, orgID, delta)
	if err != nil {
		return fmt.Errorf("add monthly executions: %w", err)
	}
	return nil
}

func (s *CounterStore) SetTaskLastExecution(ctx context.Context, taskID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET last_execution_at = $2 WHERE id = $1`, taskID, at)
	if err != nil {
		return fmt.Errorf("set task last execution: %w", err)
	}
	return nil
}
