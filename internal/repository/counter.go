package repository

import (
	"context"
	"time"
)

// CounterStore receives the coalesced writes from the execution counter.
type CounterStore interface {
	AddMonthlyExecutions(ctx context.Context, orgID string, delta int64) error
	SetTaskLastExecution(ctx context.Context, taskID string, at time.Time) error
}
