package domain

import (
	"errors"
	"time"
)

var (
	ErrMonitorNotFound        = errors.New("monitor not found")
	ErrMonitorPaused          = errors.New("monitor is paused or disabled")
	ErrInvalidMonitorSchedule = errors.New("exactly one of interval_seconds and cron_expr must be set")
)

type MonitorStatus string

const (
	MonitorNew    MonitorStatus = "new"
	MonitorUp     MonitorStatus = "up"
	MonitorDown   MonitorStatus = "down"
	MonitorPaused MonitorStatus = "paused"
)

// Monitor is a dead-man's-switch: it expects a ping on a schedule and is
// marked down when next_expected_at plus grace passes without one.
type Monitor struct {
	ID             string
	OrganizationID string
	Name           string

	// Token is the URL-safe public identifier pinged at /ping/<token>.
	Token string

	// Exactly one of IntervalSeconds or CronExpr is set.
	IntervalSeconds    *int
	CronExpr           *string
	GracePeriodSeconds int

	Status         MonitorStatus
	Enabled        bool
	LastPingAt     *time.Time
	NextExpectedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MonitorPing records one accepted ping with the interval that was
// expected at the moment it arrived.
type MonitorPing struct {
	ID                      string
	MonitorID               string
	ExpectedIntervalSeconds int
	SourceIP                string
	ReceivedAt              time.Time
}
