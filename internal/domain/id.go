package domain

import "github.com/google/uuid"

// NewID returns a time-ordered UUIDv7 string. Time-ordered ids keep
// insert-heavy tables (executions, pings) append-friendly and make id
// tiebreaks in cursor pagination follow creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
