package repository

import (
	"context"
	"time"

	"github.com/gautema/runlater/internal/domain"
)

type ListTasksInput struct {
	OrganizationID string
	Enabled        *bool      // nil = both
	CursorTime     *time.Time // cursor on (created_at DESC, id DESC); nil = first page
	CursorID       string     // used only when CursorTime is non-nil
	Limit          int
}

type TaskRepository interface {
	// Create persists the task as given. Fan-out tasks arrive with
	// next_run_at already nil so the scheduler never sees them.
	Create(ctx context.Context, t *domain.Task) (*domain.Task, error)
	GetByID(ctx context.Context, taskID, orgID string) (*domain.Task, error)
	List(ctx context.Context, input ListTasksInput) ([]*domain.Task, error)
	Update(ctx context.Context, t *domain.Task) (*domain.Task, error)
	// SoftDelete marks the task deleted and cancels its pending executions.
	SoftDelete(ctx context.Context, taskID, orgID string) error
}
