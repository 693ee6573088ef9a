package monitorcheck

import (
	"context"
	"log/slog"
	"time"

	"github.com/gautema/runlater/internal/cronx"
	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/metrics"
	"github.com/gautema/runlater/internal/notifier"
	"github.com/gautema/runlater/internal/repository"
)

// PingService serves the public /ping/<token> path.
type PingService struct {
	monitors repository.MonitorRepository
	orgs     repository.OrganizationRepository
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewPingService(monitors repository.MonitorRepository, orgs repository.OrganizationRepository, n Notifier, logger *slog.Logger) *PingService {
	return &PingService{
		monitors: monitors,
		orgs:     orgs,
		notifier: n,
		logger:   logger.With("component", "monitor_ping"),
		now:      time.Now,
	}
}

// Ping records a heartbeat for the monitor owning token and publishes
// monitor.recovered when the monitor had been marked down.
func (s *PingService) Ping(ctx context.Context, token, sourceIP string) (*domain.Monitor, error) {
	ping := &domain.MonitorPing{
		ID:         domain.NewID(),
		SourceIP:   sourceIP,
		ReceivedAt: s.now(),
	}

	m, recovered, err := s.monitors.Ping(ctx, token, ping, nextExpected)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("ping accepted", "monitor_id", m.ID)

	if recovered {
		metrics.MonitorTransitionsTotal.WithLabelValues("recovered").Inc()
		s.logger.Info("monitor recovered", "monitor_id", m.ID, "name", m.Name)
		org, err := s.orgs.GetByID(ctx, m.OrganizationID)
		if err != nil {
			s.logger.Error("load organization for recovery event", "monitor_id", m.ID, "error", err)
			return m, nil
		}
		s.notifier.Publish(ctx, notifier.Event{
			Kind:    notifier.KindMonitorRecovered,
			Org:     org,
			Monitor: m,
		})
	}
	return m, nil
}

func nextExpected(m *domain.Monitor, now time.Time) *time.Time {
	return cronx.NextExpected(m.IntervalSeconds, m.CronExpr, now)
}
