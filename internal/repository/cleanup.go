package repository

import (
	"context"
	"time"
)

// CleanupStats reports what one retention pass removed.
type CleanupStats struct {
	Executions    int64
	Tasks         int64 // finished one-shots and soft-deleted tasks past retention
	InboundEvents int64
	MonitorPings  int64
	CountersReset int64 // organizations whose monthly counter rolled over

	// Fixed-window housekeeping, independent of tier.
	IdempotencyKeys int64
	EmailLogs       int64
	AuditLogs       int64
}

type CleanupStore interface {
	// PurgeAged deletes rows past each organization's tier retention and
	// rolls monthly execution counters over at month boundaries, all
	// under the cleanup advisory lock. leader is false when another
	// node holds it.
	PurgeAged(ctx context.Context, now time.Time) (stats CleanupStats, leader bool, err error)
}
