package repository

import (
	"context"
	"time"

	"github.com/gautema/runlater/internal/domain"
)

type ListMonitorsInput struct {
	OrganizationID string
	CursorTime     *time.Time
	CursorID       string
	Limit          int
}

type MonitorRepository interface {
	Create(ctx context.Context, m *domain.Monitor) (*domain.Monitor, error)
	GetByID(ctx context.Context, monitorID, orgID string) (*domain.Monitor, error)
	List(ctx context.Context, input ListMonitorsInput) ([]*domain.Monitor, error)
	Update(ctx context.Context, m *domain.Monitor) (*domain.Monitor, error)
	Delete(ctx context.Context, monitorID, orgID string) error

	// Ping locks the monitor row by token, records the ping with the
	// interval that was expected at receipt time, recomputes
	// next_expected_at via computeNext and flips status to up.
	// recovered is true when the previous status was down.
	Ping(ctx context.Context, token string, ping *domain.MonitorPing, computeNext func(m *domain.Monitor, now time.Time) *time.Time) (m *domain.Monitor, recovered bool, err error)

	// MarkDownDue transitions overdue monitors to down under the
	// checker advisory lock and returns them. leader is false when
	// another node holds the lock.
	MarkDownDue(ctx context.Context, now time.Time) (monitors []*domain.Monitor, leader bool, err error)

	ListPings(ctx context.Context, monitorID, orgID string, limit int) ([]*domain.MonitorPing, error)
}
