package domain

import (
	"errors"
	"time"
)

var (
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrOverQuota            = errors.New("monthly execution quota exhausted")
)

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// MonthlyExecutionLimit is the number of completed executions an
// organization may accrue per calendar month. Enforced at schedule time,
// never after a delivery has started.
func (t Tier) MonthlyExecutionLimit() int {
	if t == TierPro {
		return 50_000
	}
	return 500
}

// RetentionDays bounds how long finished executions, completed one-shot
// tasks and monitor pings are kept.
func (t Tier) RetentionDays() int {
	if t == TierPro {
		return 30
	}
	return 7
}

// MinCronIntervalMinutes is the tightest cron cadence the tier may register.
func (t Tier) MinCronIntervalMinutes() int {
	if t == TierPro {
		return 1
	}
	return 60
}

type Organization struct {
	ID   string
	Name string
	Tier Tier

	// WebhookSecret signs outbound callback and notification payloads.
	WebhookSecret []byte

	NotifyEmail      *string
	NotifyWebhookURL *string

	// MonthlyExecutionCount is advisory: incremented through the
	// write-coalescing counter, so it may lag real usage by one flush
	// interval.
	MonthlyExecutionCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}
