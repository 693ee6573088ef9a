package usecase

import (
	"context"
	"log/slog"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/repository"
)

// recordAudit appends to the tenant-visible action trail. Failures are
// logged, not returned: the mutation being audited has already committed.
func recordAudit(ctx context.Context, repo repository.AuditRepository, logger *slog.Logger, entry *domain.AuditLog) {
	if entry.ID == "" {
		entry.ID = domain.NewID()
	}
	if entry.Detail == nil {
		entry.Detail = map[string]string{}
	}
	if err := repo.Record(ctx, entry); err != nil {
		logger.Warn("audit record failed", "action", entry.Action, "error", err)
	}
}
