// Package monitorcheck watches dead-man's-switch monitors: the checker
// marks overdue monitors down, the ping service records heartbeats and
// recoveries.
package monitorcheck

import (
	"context"
	"log/slog"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/metrics"
	"github.com/gautema/runlater/internal/notifier"
	"github.com/gautema/runlater/internal/repository"
)

const checkInterval = 30 * time.Second

type Notifier interface {
	Publish(ctx context.Context, e notifier.Event)
}

// Checker runs on every node; MarkDownDue's advisory lock picks the
// leader each sweep.
type Checker struct {
	monitors repository.MonitorRepository
	orgs     repository.OrganizationRepository
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewChecker(monitors repository.MonitorRepository, orgs repository.OrganizationRepository, n Notifier, logger *slog.Logger) *Checker {
	return &Checker{
		monitors: monitors,
		orgs:     orgs,
		notifier: n,
		logger:   logger.With("component", "monitor_checker"),
		now:      time.Now,
	}
}

func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	c.logger.Info("monitor checker started", "interval", checkInterval)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("monitor checker shut down")
			return
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

func (c *Checker) check(ctx context.Context) {
	down, leader, err := c.monitors.MarkDownDue(ctx, c.now())
	if err != nil {
		c.logger.Error("mark overdue monitors down", "error", err)
		return
	}
	if !leader {
		return
	}

	for _, m := range down {
		metrics.MonitorTransitionsTotal.WithLabelValues("down").Inc()
		c.logger.Warn("monitor down",
			"monitor_id", m.ID,
			"name", m.Name,
			"last_ping_at", m.LastPingAt,
		)
		c.publish(ctx, notifier.KindMonitorDown, m)
	}
}

func (c *Checker) publish(ctx context.Context, kind string, m *domain.Monitor) {
	org, err := c.orgs.GetByID(ctx, m.OrganizationID)
	if err != nil {
		c.logger.Error("load organization for monitor event", "monitor_id", m.ID, "error", err)
		return
	}
	c.notifier.Publish(ctx, notifier.Event{Kind: kind, Org: org, Monitor: m})
}
