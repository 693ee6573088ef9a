package repository

import "context"

// IdempotencyRepository backs the Idempotency-Key header on task creation.
type IdempotencyRepository interface {
	// Get returns the task id stored for (org, key), if any.
	Get(ctx context.Context, orgID, key string) (taskID string, ok bool, err error)
	Put(ctx context.Context, orgID, key, taskID string) error
}
