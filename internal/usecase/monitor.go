package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gautema/runlater/internal/cronx"
	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/repository"
)

const defaultGraceSeconds = 300

type MonitorUsecase struct {
	monitors repository.MonitorRepository
	audit    repository.AuditRepository
	logger   *slog.Logger
}

func NewMonitorUsecase(monitors repository.MonitorRepository, audit repository.AuditRepository, logger *slog.Logger) *MonitorUsecase {
	return &MonitorUsecase{
		monitors: monitors,
		audit:    audit,
		logger:   logger.With("component", "monitors"),
	}
}

type CreateMonitorInput struct {
	OrganizationID     string
	Name               string
	IntervalSeconds    *int
	CronExpr           *string
	GracePeriodSeconds int
}

// CreateMonitor registers a heartbeat target. The expectation window arms
// immediately: a monitor that is never pinged goes down once the first
// window plus grace passes.
func (u *MonitorUsecase) CreateMonitor(ctx context.Context, input CreateMonitorInput) (*domain.Monitor, error) {
	if err := validateMonitorSchedule(input.IntervalSeconds, input.CronExpr); err != nil {
		return nil, err
	}
	if input.GracePeriodSeconds <= 0 {
		input.GracePeriodSeconds = defaultGraceSeconds
	}

	raw := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	m := &domain.Monitor{
		ID:                 domain.NewID(),
		OrganizationID:     input.OrganizationID,
		Name:               input.Name,
		Token:              hex.EncodeToString(raw),
		IntervalSeconds:    input.IntervalSeconds,
		CronExpr:           input.CronExpr,
		GracePeriodSeconds: input.GracePeriodSeconds,
		Status:             domain.MonitorNew,
		Enabled:            true,
		NextExpectedAt:     cronx.NextExpected(input.IntervalSeconds, input.CronExpr, time.Now()),
	}
	created, err := u.monitors.Create(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("create monitor: %w", err)
	}

	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: input.OrganizationID,
		Action:         "monitor.create",
		TargetType:     "monitor",
		TargetID:       created.ID,
		Detail:         map[string]string{"name": created.Name},
	})
	return created, nil
}

func validateMonitorSchedule(interval *int, expr *string) error {
	switch {
	case (interval == nil) == (expr == nil):
		return domain.ErrInvalidMonitorSchedule
	case interval != nil && *interval <= 0:
		return domain.ErrInvalidMonitorSchedule
	case expr != nil:
		if _, err := cronx.Parse(*expr); err != nil {
			return err
		}
	}
	return nil
}

func (u *MonitorUsecase) GetMonitor(ctx context.Context, monitorID, orgID string) (*domain.Monitor, error) {
	m, err := u.monitors.GetByID(ctx, monitorID, orgID)
	if err != nil {
		return nil, fmt.Errorf("get monitor: %w", err)
	}
	return m, nil
}

type ListMonitorsInput struct {
	OrganizationID string
	Cursor         string
	Limit          int
}

type ListMonitorsResult struct {
	Monitors   []*domain.Monitor
	NextCursor *string
}

func (u *MonitorUsecase) ListMonitors(ctx context.Context, input ListMonitorsInput) (ListMonitorsResult, error) {
	limit := pageLimit(input.Limit)

	repoInput := repository.ListMonitorsInput{
		OrganizationID: input.OrganizationID,
		Limit:          limit + 1,
	}
	if input.Cursor != "" {
		t, id, err := decodeCursor(input.Cursor)
		if err != nil {
			return ListMonitorsResult{}, err
		}
		repoInput.CursorTime = t
		repoInput.CursorID = id
	}

	monitors, err := u.monitors.List(ctx, repoInput)
	if err != nil {
		return ListMonitorsResult{}, fmt.Errorf("list monitors: %w", err)
	}

	var next *string
	if len(monitors) > limit {
		monitors = monitors[:limit]
		c := encodeCursor(monitors[limit-1].CreatedAt, monitors[limit-1].ID)
		next = &c
	}
	return ListMonitorsResult{Monitors: monitors, NextCursor: next}, nil
}

type UpdateMonitorInput struct {
	MonitorID          string
	OrganizationID     string
	Name               string
	IntervalSeconds    *int
	CronExpr           *string
	GracePeriodSeconds int
	Enabled            bool
}

// UpdateMonitor replaces schedule and metadata. The expectation window is
// recomputed from now unless the monitor is paused or disabled.
func (u *MonitorUsecase) UpdateMonitor(ctx context.Context, input UpdateMonitorInput) (*domain.Monitor, error) {
	existing, err := u.monitors.GetByID(ctx, input.MonitorID, input.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("get monitor: %w", err)
	}
	if err := validateMonitorSchedule(input.IntervalSeconds, input.CronExpr); err != nil {
		return nil, err
	}
	if input.GracePeriodSeconds <= 0 {
		input.GracePeriodSeconds = defaultGraceSeconds
	}

	m := &domain.Monitor{
		ID:                 existing.ID,
		OrganizationID:     existing.OrganizationID,
		Name:               input.Name,
		Token:              existing.Token,
		IntervalSeconds:    input.IntervalSeconds,
		CronExpr:           input.CronExpr,
		GracePeriodSeconds: input.GracePeriodSeconds,
		Status:             existing.Status,
		Enabled:            input.Enabled,
	}
	if input.Enabled && existing.Status != domain.MonitorPaused {
		m.NextExpectedAt = cronx.NextExpected(input.IntervalSeconds, input.CronExpr, time.Now())
	}

	updated, err := u.monitors.Update(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("update monitor: %w", err)
	}

	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: input.OrganizationID,
		Action:         "monitor.update",
		TargetType:     "monitor",
		TargetID:       updated.ID,
		Detail:         map[string]string{"name": updated.Name},
	})
	return updated, nil
}

// PauseMonitor stops down-detection until resume. The token still answers
// pings, with a conflict.
func (u *MonitorUsecase) PauseMonitor(ctx context.Context, monitorID, orgID string) (*domain.Monitor, error) {
	m, err := u.monitors.GetByID(ctx, monitorID, orgID)
	if err != nil {
		return nil, fmt.Errorf("get monitor: %w", err)
	}

	m.Status = domain.MonitorPaused
	m.NextExpectedAt = nil
	updated, err := u.monitors.Update(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("pause monitor: %w", err)
	}

	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: orgID,
		Action:         "monitor.pause",
		TargetType:     "monitor",
		TargetID:       monitorID,
	})
	return updated, nil
}

// ResumeMonitor re-arms the expectation window from now and resets the
// monitor to new; the next ping re-establishes up.
func (u *MonitorUsecase) ResumeMonitor(ctx context.Context, monitorID, orgID string) (*domain.Monitor, error) {
	m, err := u.monitors.GetByID(ctx, monitorID, orgID)
	if err != nil {
		return nil, fmt.Errorf("get monitor: %w", err)
	}

	m.Status = domain.MonitorNew
	m.NextExpectedAt = cronx.NextExpected(m.IntervalSeconds, m.CronExpr, time.Now())
	updated, err := u.monitors.Update(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("resume monitor: %w", err)
	}

	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: orgID,
		Action:         "monitor.resume",
		TargetType:     "monitor",
		TargetID:       monitorID,
	})
	return updated, nil
}

func (u *MonitorUsecase) DeleteMonitor(ctx context.Context, monitorID, orgID string) error {
	if err := u.monitors.Delete(ctx, monitorID, orgID); err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: orgID,
		Action:         "monitor.delete",
		TargetType:     "monitor",
		TargetID:       monitorID,
	})
	return nil
}

func (u *MonitorUsecase) ListPings(ctx context.Context, monitorID, orgID string, limit int) ([]*domain.MonitorPing, error) {
	// Verify ownership
	if _, err := u.monitors.GetByID(ctx, monitorID, orgID); err != nil {
		return nil, fmt.Errorf("get monitor: %w", err)
	}

	pings, err := u.monitors.ListPings(ctx, monitorID, orgID, pageLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list pings: %w", err)
	}
	return pings, nil
}
