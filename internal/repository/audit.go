package repository

import (
	"context"
	"time"

	"github.com/gautema/runlater/internal/domain"
)

type AuditRepository interface {
	Record(ctx context.Context, entry *domain.AuditLog) error
	List(ctx context.Context, orgID string, limit int) ([]*domain.AuditLog, error)
}

type EmailLogRepository interface {
	Record(ctx context.Context, entry *domain.EmailLog) error
	// LastOfKind reports when the org last got an email of kind.
	// Nil when it never has. Backs notification dedup.
	LastOfKind(ctx context.Context, orgID, kind string) (*time.Time, error)
}
