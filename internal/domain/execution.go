package domain

import (
	"errors"
	"time"
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrInvalidStatus     = errors.New("invalid execution status")
	// ErrNotRunning rejects a terminal update whose row is no longer in
	// "running": the stale sweep or another writer got there first.
	ErrNotRunning = errors.New("execution is not running")
)

type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionTimeout ExecutionStatus = "timeout"
	// ExecutionMissed is terminal and set directly on insert, never via
	// running: the scheduler records fire times that catch-up skipped.
	ExecutionMissed ExecutionStatus = "missed"
)

// Execution is one delivery attempt of a task at a specific time.
// Status moves pending → running → {success, failed, timeout}; a claim is
// the only pending → running path.
type Execution struct {
	ID             string
	TaskID         string
	OrganizationID string
	Attempt        int // 1-based

	Status       ExecutionStatus
	ScheduledFor time.Time

	StartedAt  *time.Time
	FinishedAt *time.Time
	DurationMS *int64

	StatusCode   *int
	ResponseBody *string // truncated to ResponseBodyCap before storage
	ErrorMessage *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResponseBodyCap bounds how much of a delivery response is persisted.
const ResponseBodyCap = 10 * 1024

// Outcome carries the terminal fields of a finished delivery.
type Outcome struct {
	StatusCode   *int
	ResponseBody *string
	ErrorMessage *string
	Duration     time.Duration
}

// Delivery is a claimed execution joined with the task and organization a
// worker needs to perform it.
type Delivery struct {
	Execution *Execution
	Task      *Task
	Org       *Organization
}
