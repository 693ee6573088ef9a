package repository

import (
	"context"

	"github.com/gautema/runlater/internal/domain"
)

// UseCase depends on interface, not concrete implementation.
// This way we get: 1) can swap DB later without touching usecase 2) We can pass a mock implementation of interface in tests
type OrganizationRepository interface {
	// Upsert creates the organization on first sight and returns the
	// stored row; the webhook secret is generated once and never replaced.
	Upsert(ctx context.Context, org *domain.Organization) (*domain.Organization, error)
	GetByID(ctx context.Context, id string) (*domain.Organization, error)
	UpdateNotifySettings(ctx context.Context, id string, email, webhookURL *string) error
}
