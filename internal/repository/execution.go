package repository

import (
	"context"
	"time"

	"github.com/gautema/runlater/internal/domain"
)

type ListExecutionsInput struct {
	OrganizationID string
	TaskID         string                 // empty = all tasks in the org
	Status         domain.ExecutionStatus // empty = all statuses
	CursorTime     *time.Time             // cursor on (scheduled_for DESC, id DESC)
	CursorID       string
	Limit          int
}

type ExecutionRepository interface {
	Create(ctx context.Context, e *domain.Execution) (*domain.Execution, error)
	GetByID(ctx context.Context, executionID, orgID string) (*domain.Execution, error)
	List(ctx context.Context, input ListExecutionsInput) ([]*domain.Execution, error)

	// ClaimNext atomically claims the highest-priority due pending
	// execution (pro tier first, then tighter interval, then oldest
	// scheduled_for), transitions it to running and returns it joined
	// with its task and organization. Returns (nil, nil) when nothing
	// is claimable. Safe to call from many workers concurrently.
	ClaimNext(ctx context.Context) (*domain.Delivery, error)

	// Finish terminal-transitions a running execution. Returns
	// domain.ErrNotRunning if the row is not in running state, which
	// means the recovery sweep got there first.
	Finish(ctx context.Context, executionID string, status domain.ExecutionStatus, out domain.Outcome) error

	// FinishAndRetry is Finish plus inserting the follow-up pending
	// execution in the same transaction, so a crash cannot strand a
	// retryable failure without its retry row.
	FinishAndRetry(ctx context.Context, executionID string, status domain.ExecutionStatus, out domain.Outcome, retry *domain.Execution) error

	// PreviousTerminalStatus reports the status of the task's most
	// recent finished execution other than excludeID. Empty when the
	// task has never finished one.
	PreviousTerminalStatus(ctx context.Context, taskID, excludeID string) (domain.ExecutionStatus, error)

	CountPending(ctx context.Context) (int, error)

	// RecoverStale fails running executions whose started_at is older
	// than olderThan. Crashed workers leave these behind.
	RecoverStale(ctx context.Context, olderThan time.Time, message string) (int64, error)
}
