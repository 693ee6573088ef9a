package domain

import (
	"errors"
	"time"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrInvalidCronExpr     = errors.New("invalid cron expression")
	ErrIntervalTooShort    = errors.New("cron interval below tier minimum")
	ErrBlockedURL          = errors.New("url resolves to a blocked address")
	ErrInvalidScheduleType = errors.New("schedule_type must be cron or once")
	ErrMissingScheduledAt  = errors.New("once tasks require scheduled_at")
	ErrInvalidCursor       = errors.New("invalid pagination cursor")
)

type ScheduleType string

const (
	ScheduleCron ScheduleType = "cron"
	ScheduleOnce ScheduleType = "once"
)

// Task is a deliverable specification: what HTTP request to send and when.
// At each fire time the scheduler materializes it into one Execution.
type Task struct {
	ID             string
	OrganizationID string
	Name           string

	// Request shape.
	URL            string
	Method         string
	Headers        map[string]string
	Body           *string // nil means no body
	TimeoutSeconds int
	RetryAttempts  int

	// Schedule shape. CronExpr and IntervalMinutes are set only for cron
	// tasks; ScheduledAt only for one-shots. IntervalMinutes is derived
	// from the expression and drives worker priority, not timing.
	ScheduleType    ScheduleType
	CronExpr        *string
	IntervalMinutes *int
	ScheduledAt     *time.Time

	// Delivery state. NextRunAt nil means the task is done or disabled.
	NextRunAt   *time.Time
	Enabled     bool
	Queue       *string
	CallbackURL *string

	LastExecutionAt *time.Time
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Recurring reports whether the task fires repeatedly. Recurring tasks do
// not retry failed deliveries; the next scheduled fire is the implicit retry.
func (t *Task) Recurring() bool {
	return t.ScheduleType == ScheduleCron
}
