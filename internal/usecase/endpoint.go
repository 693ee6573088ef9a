package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/inbound"
	"github.com/gautema/runlater/internal/repository"
	"github.com/gautema/runlater/internal/urlguard"
)

// maxForwardURLs caps fan-out width per endpoint.
const maxForwardURLs = 10

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

type EndpointUsecase struct {
	endpoints repository.EndpointRepository
	inbound   *inbound.Service
	audit     repository.AuditRepository
	guard     *urlguard.Guard
	logger    *slog.Logger
}

func NewEndpointUsecase(
	endpoints repository.EndpointRepository,
	inboundSvc *inbound.Service,
	audit repository.AuditRepository,
	guard *urlguard.Guard,
	logger *slog.Logger,
) *EndpointUsecase {
	return &EndpointUsecase{
		endpoints: endpoints,
		inbound:   inboundSvc,
		audit:     audit,
		guard:     guard,
		logger:    logger.With("component", "endpoints"),
	}
}

type CreateEndpointInput struct {
	OrganizationID string
	Name           string
	Slug           string // generated when empty
	ForwardURLs    []string
	RetryAttempts  int
	Queue          *string
}

// CreateEndpoint registers an inbound receiver. An endpoint with no
// forward URLs records events without queueing deliveries.
func (u *EndpointUsecase) CreateEndpoint(ctx context.Context, input CreateEndpointInput) (*domain.Endpoint, error) {
	if len(input.ForwardURLs) > maxForwardURLs {
		return nil, domain.ErrTooManyForwards
	}
	for _, forward := range input.ForwardURLs {
		if err := u.guard.ValidateURL(ctx, forward); err != nil {
			return nil, err
		}
	}

	slug := input.Slug
	if slug == "" {
		raw := make([]byte, 6)
		if _, err := io.ReadFull(rand.Reader, raw); err != nil {
			return nil, fmt.Errorf("generate slug: %w", err)
		}
		slug = hex.EncodeToString(raw)
	} else if !slugPattern.MatchString(slug) {
		return nil, domain.ErrInvalidSlug
	}

	if input.RetryAttempts == 0 {
		input.RetryAttempts = defaultRetryAttempts
	}
	if input.RetryAttempts < 0 {
		input.RetryAttempts = 0
	}
	if input.RetryAttempts > maxRetryAttempts {
		input.RetryAttempts = maxRetryAttempts
	}

	ep := &domain.Endpoint{
		ID:             domain.NewID(),
		OrganizationID: input.OrganizationID,
		Name:           input.Name,
		Slug:           slug,
		ForwardURLs:    input.ForwardURLs,
		RetryAttempts:  input.RetryAttempts,
		Queue:          input.Queue,
		Enabled:        true,
	}
	created, err := u.endpoints.Create(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}

	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: input.OrganizationID,
		Action:         "endpoint.create",
		TargetType:     "endpoint",
		TargetID:       created.ID,
		Detail:         map[string]string{"slug": created.Slug},
	})
	return created, nil
}

func (u *EndpointUsecase) GetEndpoint(ctx context.Context, endpointID, orgID string) (*domain.Endpoint, error) {
	ep, err := u.endpoints.GetByID(ctx, endpointID, orgID)
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return ep, nil
}

type ListEndpointsInput struct {
	OrganizationID string
	Cursor         string
	Limit          int
}

type ListEndpointsResult struct {
	Endpoints  []*domain.Endpoint
	NextCursor *string
}

func (u *EndpointUsecase) ListEndpoints(ctx context.Context, input ListEndpointsInput) (ListEndpointsResult, error) {
	limit := pageLimit(input.Limit)

	repoInput := repository.ListEndpointsInput{
		OrganizationID: input.OrganizationID,
		Limit:          limit + 1,
	}
	if input.Cursor != "" {
		t, id, err := decodeCursor(input.Cursor)
		if err != nil {
			return ListEndpointsResult{}, err
		}
		repoInput.CursorTime = t
		repoInput.CursorID = id
	}

	endpoints, err := u.endpoints.List(ctx, repoInput)
	if err != nil {
		return ListEndpointsResult{}, fmt.Errorf("list endpoints: %w", err)
	}

	var next *string
	if len(endpoints) > limit {
		endpoints = endpoints[:limit]
		c := encodeCursor(endpoints[limit-1].CreatedAt, endpoints[limit-1].ID)
		next = &c
	}
	return ListEndpointsResult{Endpoints: endpoints, NextCursor: next}, nil
}

type UpdateEndpointInput struct {
	EndpointID     string
	OrganizationID string
	Name           string
	ForwardURLs    []string
	RetryAttempts  int
	Queue          *string
	Enabled        bool
}

// UpdateEndpoint replaces the endpoint's mutable fields. The slug is
// public routing identity and never changes.
func (u *EndpointUsecase) UpdateEndpoint(ctx context.Context, input UpdateEndpointInput) (*domain.Endpoint, error) {
	existing, err := u.endpoints.GetByID(ctx, input.EndpointID, input.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}

	if len(input.ForwardURLs) > maxForwardURLs {
		return nil, domain.ErrTooManyForwards
	}
	for _, forward := range input.ForwardURLs {
		if err := u.guard.ValidateURL(ctx, forward); err != nil {
			return nil, err
		}
	}

	if input.RetryAttempts == 0 {
		input.RetryAttempts = defaultRetryAttempts
	}
	if input.RetryAttempts < 0 {
		input.RetryAttempts = 0
	}
	if input.RetryAttempts > maxRetryAttempts {
		input.RetryAttempts = maxRetryAttempts
	}

	ep := &domain.Endpoint{
		ID:             existing.ID,
		OrganizationID: existing.OrganizationID,
		Name:           input.Name,
		Slug:           existing.Slug,
		ForwardURLs:    input.ForwardURLs,
		RetryAttempts:  input.RetryAttempts,
		Queue:          input.Queue,
		Enabled:        input.Enabled,
	}
	updated, err := u.endpoints.Update(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("update endpoint: %w", err)
	}

	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: input.OrganizationID,
		Action:         "endpoint.update",
		TargetType:     "endpoint",
		TargetID:       updated.ID,
		Detail:         map[string]string{"slug": updated.Slug},
	})
	return updated, nil
}

// DeleteEndpoint removes the endpoint and its recorded events. Fan-out
// tasks already created keep delivering.
func (u *EndpointUsecase) DeleteEndpoint(ctx context.Context, endpointID, orgID string) error {
	if err := u.endpoints.Delete(ctx, endpointID, orgID); err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: orgID,
		Action:         "endpoint.delete",
		TargetType:     "endpoint",
		TargetID:       endpointID,
	})
	return nil
}

func (u *EndpointUsecase) GetEvent(ctx context.Context, eventID, orgID string) (*domain.InboundEvent, error) {
	event, err := u.endpoints.GetEvent(ctx, eventID, orgID)
	if err != nil {
		return nil, fmt.Errorf("get inbound event: %w", err)
	}
	return event, nil
}

type ListEventsInput struct {
	OrganizationID string
	EndpointID     string // optional; narrows to one endpoint
	Cursor         string
	Limit          int
}

type ListEventsResult struct {
	Events     []*domain.InboundEvent
	NextCursor *string
}

func (u *EndpointUsecase) ListEvents(ctx context.Context, input ListEventsInput) (ListEventsResult, error) {
	if input.EndpointID != "" {
		// Verify ownership
		if _, err := u.endpoints.GetByID(ctx, input.EndpointID, input.OrganizationID); err != nil {
			return ListEventsResult{}, fmt.Errorf("get endpoint: %w", err)
		}
	}

	limit := pageLimit(input.Limit)
	repoInput := repository.ListInboundEventsInput{
		OrganizationID: input.OrganizationID,
		EndpointID:     input.EndpointID,
		Limit:          limit + 1,
	}
	if input.Cursor != "" {
		t, id, err := decodeCursor(input.Cursor)
		if err != nil {
			return ListEventsResult{}, err
		}
		repoInput.CursorTime = t
		repoInput.CursorID = id
	}

	events, err := u.endpoints.ListEvents(ctx, repoInput)
	if err != nil {
		return ListEventsResult{}, fmt.Errorf("list inbound events: %w", err)
	}

	var next *string
	if len(events) > limit {
		events = events[:limit]
		c := encodeCursor(events[limit-1].CreatedAt, events[limit-1].ID)
		next = &c
	}
	return ListEventsResult{Events: events, NextCursor: next}, nil
}

// ReplayEvent re-queues the event's fan-out deliveries and reports how
// many executions were created.
func (u *EndpointUsecase) ReplayEvent(ctx context.Context, eventID, orgID string) (int, error) {
	created, err := u.inbound.Replay(ctx, eventID, orgID)
	if err != nil {
		return 0, err
	}

	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: orgID,
		Action:         "endpoint.replay",
		TargetType:     "inbound_event",
		TargetID:       eventID,
		Detail:         map[string]string{"executions": strconv.Itoa(created)},
	})
	return created, nil
}
