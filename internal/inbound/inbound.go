// Package inbound turns webhooks received on an endpoint slug into
// fan-out deliveries: one one-shot task plus pending execution per
// forward URL, committed atomically with the recorded event.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/httpx"
	"github.com/gautema/runlater/internal/metrics"
	"github.com/gautema/runlater/internal/repository"
)

// forwardTimeoutSeconds is the delivery timeout for fan-out tasks;
// endpoints carry no per-URL timeout configuration.
const forwardTimeoutSeconds = 30

type Service struct {
	endpoints repository.EndpointRepository
	logger    *slog.Logger

	// WakeWorkers broadcasts after new executions were committed.
	WakeWorkers func(context.Context)

	now func() time.Time
}

func New(endpoints repository.EndpointRepository, logger *slog.Logger) *Service {
	return &Service{
		endpoints: endpoints,
		logger:    logger.With("component", "inbound"),
		now:       time.Now,
	}
}

// Request is the slice of the raw HTTP request the transport hands over.
type Request struct {
	Method   string
	Headers  map[string]string
	Body     []byte
	SourceIP string
}

func (s *Service) Receive(ctx context.Context, slug string, req Request) (*domain.InboundEvent, error) {
	ep, err := s.endpoints.GetBySlug(ctx, slug)
	if err != nil {
		metrics.InboundEventsTotal.WithLabelValues("unknown_slug").Inc()
		return nil, err
	}
	if !ep.Enabled {
		metrics.InboundEventsTotal.WithLabelValues("disabled").Inc()
		return nil, domain.ErrEndpointDisabled
	}

	now := s.now()
	event := &domain.InboundEvent{
		ID:             domain.NewID(),
		EndpointID:     ep.ID,
		OrganizationID: ep.OrganizationID,
		Method:         req.Method,
		Headers:        req.Headers,
		Body:           req.Body,
		SourceIP:       req.SourceIP,
		CreatedAt:      now,
	}

	forwards := forwardTasks(ep, req, now)
	stored, err := s.endpoints.Receive(ctx, event, forwards, now)
	if err != nil {
		metrics.InboundEventsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("record inbound event: %w", err)
	}

	metrics.InboundEventsTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("inbound event accepted",
		"endpoint_id", ep.ID,
		"slug", slug,
		"event_id", stored.ID,
		"forwards", len(forwards),
	)

	if len(forwards) > 0 && s.WakeWorkers != nil {
		s.WakeWorkers(ctx)
	}
	return stored, nil
}

// Replay re-queues one pending execution per task the event fanned out to.
func (s *Service) Replay(ctx context.Context, eventID, orgID string) (int, error) {
	created, err := s.endpoints.Replay(ctx, eventID, orgID, s.now())
	if err != nil {
		return 0, err
	}

	metrics.InboundEventsTotal.WithLabelValues("replayed").Inc()
	s.logger.Info("inbound event replayed", "event_id", eventID, "executions", created)

	if created > 0 && s.WakeWorkers != nil {
		s.WakeWorkers(ctx)
	}
	return created, nil
}

// forwardTasks builds one one-shot task per forward URL. next_run_at
// stays null so the scheduler never fires these; the pending execution
// inserted alongside is the sole driver.
func forwardTasks(ep *domain.Endpoint, req Request, now time.Time) []*domain.Task {
	headers := httpx.FilterForwardHeaders(req.Headers)

	var body *string
	if len(req.Body) > 0 {
		b := string(req.Body)
		body = &b
	}

	tasks := make([]*domain.Task, 0, len(ep.ForwardURLs))
	for i, url := range ep.ForwardURLs {
		tasks = append(tasks, &domain.Task{
			ID:             domain.NewID(),
			OrganizationID: ep.OrganizationID,
			Name:           fmt.Sprintf("%s forward %d", ep.Name, i+1),
			URL:            url,
			Method:         req.Method,
			Headers:        headers,
			Body:           body,
			TimeoutSeconds: forwardTimeoutSeconds,
			RetryAttempts:  ep.RetryAttempts,
			ScheduleType:   domain.ScheduleOnce,
			ScheduledAt:    &now,
			Enabled:        true,
			Queue:          ep.Queue,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return tasks
}
