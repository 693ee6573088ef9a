package repository

import (
	"context"
	"time"

	"github.com/gautema/runlater/internal/domain"
)

type ListEndpointsInput struct {
	OrganizationID string
	CursorTime     *time.Time
	CursorID       string
	Limit          int
}

type ListInboundEventsInput struct {
	OrganizationID string
	EndpointID     string // empty = all endpoints in the org
	CursorTime     *time.Time
	CursorID       string
	Limit          int
}

type EndpointRepository interface {
	Create(ctx context.Context, e *domain.Endpoint) (*domain.Endpoint, error)
	GetByID(ctx context.Context, endpointID, orgID string) (*domain.Endpoint, error)
	// GetBySlug serves the public receive path; slugs are globally unique.
	GetBySlug(ctx context.Context, slug string) (*domain.Endpoint, error)
	List(ctx context.Context, input ListEndpointsInput) ([]*domain.Endpoint, error)
	Update(ctx context.Context, e *domain.Endpoint) (*domain.Endpoint, error)
	Delete(ctx context.Context, endpointID, orgID string) error

	// Receive is atomic: insert the event, insert each forward task with
	// a pending execution scheduled at now, then write the created task
	// ids back onto the event row. All or nothing.
	Receive(ctx context.Context, event *domain.InboundEvent, forwards []*domain.Task, now time.Time) (*domain.InboundEvent, error)

	GetEvent(ctx context.Context, eventID, orgID string) (*domain.InboundEvent, error)
	ListEvents(ctx context.Context, input ListInboundEventsInput) ([]*domain.InboundEvent, error)

	// Replay creates one pending execution per task recorded on the
	// event, scheduled at now. Returns domain.ErrForwardTaskDeleted if
	// any linked task row has been purged.
	Replay(ctx context.Context, eventID, orgID string, now time.Time) (int, error)
}
