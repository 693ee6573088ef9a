package domain

import "time"

// AuditLog records a mutating API action for tenant-visible history.
type AuditLog struct {
	ID             string
	OrganizationID string
	Action         string // e.g. "task.create", "endpoint.replay"
	TargetType     string // "task", "execution", "endpoint", "inbound_event", "monitor", "organization"
	TargetID       string
	Detail         map[string]string
	CreatedAt      time.Time
}

// EmailLog records every notification email handed to the mail provider,
// for dedup and support debugging.
type EmailLog struct {
	ID             string
	OrganizationID string
	Recipient      string
	Subject        string
	Kind           string // notification event kind
	ProviderID     *string
	CreatedAt      time.Time
}
