package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/repository"
	"github.com/gautema/runlater/internal/urlguard"
)

type OrganizationUsecase struct {
	orgs   repository.OrganizationRepository
	audit  repository.AuditRepository
	guard  *urlguard.Guard
	logger *slog.Logger
}

func NewOrganizationUsecase(orgs repository.OrganizationRepository, audit repository.AuditRepository, guard *urlguard.Guard, logger *slog.Logger) *OrganizationUsecase {
	return &OrganizationUsecase{
		orgs:   orgs,
		audit:  audit,
		guard:  guard,
		logger: logger.With("component", "organizations"),
	}
}

func (u *OrganizationUsecase) GetOrganization(ctx context.Context, orgID string) (*domain.Organization, error) {
	org, err := u.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	return org, nil
}

// UsageSummary is the tenant-facing view of plan limits and consumption.
// The count is advisory: the execution counter's flush interval can leave
// it a few seconds behind.
type UsageSummary struct {
	Tier                   domain.Tier
	MonthlyExecutionCount  int
	MonthlyExecutionLimit  int
	RetentionDays          int
	MinCronIntervalMinutes int
}

func (u *OrganizationUsecase) GetUsage(ctx context.Context, orgID string) (*UsageSummary, error) {
	org, err := u.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	return &UsageSummary{
		Tier:                   org.Tier,
		MonthlyExecutionCount:  org.MonthlyExecutionCount,
		MonthlyExecutionLimit:  org.Tier.MonthlyExecutionLimit(),
		RetentionDays:          org.Tier.RetentionDays(),
		MinCronIntervalMinutes: org.Tier.MinCronIntervalMinutes(),
	}, nil
}

type UpdateNotifySettingsInput struct {
	OrganizationID   string
	NotifyEmail      *string
	NotifyWebhookURL *string
}

// UpdateNotifySettings stores where limit and failure notifications go.
// Nil clears a channel. Webhook URLs pass the same address screening as
// task URLs.
func (u *OrganizationUsecase) UpdateNotifySettings(ctx context.Context, input UpdateNotifySettingsInput) error {
	if input.NotifyWebhookURL != nil && *input.NotifyWebhookURL != "" {
		if err := u.guard.ValidateURL(ctx, *input.NotifyWebhookURL); err != nil {
			return err
		}
	}

	if err := u.orgs.UpdateNotifySettings(ctx, input.OrganizationID, input.NotifyEmail, input.NotifyWebhookURL); err != nil {
		return fmt.Errorf("update notify settings: %w", err)
	}

	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: input.OrganizationID,
		Action:         "organization.update_notify",
		TargetType:     "organization",
		TargetID:       input.OrganizationID,
	})
	return nil
}

func (u *OrganizationUsecase) ListAuditLog(ctx context.Context, orgID string, limit int) ([]*domain.AuditLog, error) {
	entries, err := u.audit.List(ctx, orgID, pageLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return entries, nil
}
