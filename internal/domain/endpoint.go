package domain

import (
	"errors"
	"time"
)

var (
	ErrEndpointNotFound     = errors.New("endpoint not found")
	ErrEndpointDisabled     = errors.New("endpoint is disabled")
	ErrEndpointSlugConflict = errors.New("endpoint with this slug already exists")
	ErrInvalidSlug          = errors.New("slug must be 3-64 lowercase letters, digits or hyphens")
	ErrTooManyForwards      = errors.New("too many forward urls")
	ErrInboundEventNotFound = errors.New("inbound event not found")
	// ErrForwardTaskDeleted aborts a replay when any task the event fanned
	// out to has since been purged.
	ErrForwardTaskDeleted = errors.New("task_deleted")
)

// Endpoint is a public inbound receiver. A webhook arriving at /in/<slug>
// is recorded as an InboundEvent and forwarded to every URL in ForwardURLs
// as an independent one-shot delivery.
type Endpoint struct {
	ID             string
	OrganizationID string
	Name           string
	Slug           string

	ForwardURLs   []string
	RetryAttempts int
	Queue         *string
	Enabled       bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InboundEvent captures one received webhook. TaskIDs is written in the
// same transaction as the fan-out tasks, so it is either empty or holds
// exactly one id per forward URL.
type InboundEvent struct {
	ID             string
	EndpointID     string
	OrganizationID string

	Method   string
	Headers  map[string]string
	Body     []byte
	SourceIP string

	TaskIDs []string

	CreatedAt time.Time
}

// InboundBodyCap bounds the accepted inbound payload size, matching the
// stored task body cap.
const InboundBodyCap = 256 * 1024
