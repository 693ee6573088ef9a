// Package hostblock tracks misbehaving delivery targets per organization.
// State is process-local: each worker node converges on its own view of a
// flapping host, which is enough to shed load without any coordination.
package hostblock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gautema/runlater/internal/metrics"
)

type Reason string

const (
	ReasonRateLimited         Reason = "rate_limited"
	ReasonConsecutiveFailures Reason = "consecutive_failures"
)

const (
	// failureThreshold is how many consecutive failures trip a block.
	failureThreshold = 3
	sweepInterval    = 30 * time.Second
)

// escalation holds block durations per escalation level. The level sticks
// until a success clears the failure entry.
var escalation = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

type key struct {
	org  string
	host string
}

type blockEntry struct {
	until  time.Time
	reason Reason
}

type failureEntry struct {
	count int
	level int
}

type Blocker struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	blocked  map[key]blockEntry
	failures map[key]failureEntry
}

func New(logger *slog.Logger) *Blocker {
	return &Blocker{
		logger:   logger.With("component", "hostblock"),
		now:      time.Now,
		blocked:  make(map[key]blockEntry),
		failures: make(map[key]failureEntry),
	}
}

// Block marks (org, host) as blocked until now + d.
func (b *Blocker) Block(orgID, host string, d time.Duration, reason Reason) {
	until := b.now().Add(d)
	b.mu.Lock()
	b.blocked[key{orgID, host}] = blockEntry{until: until, reason: reason}
	metrics.HostBlocksActive.Set(float64(len(b.blocked)))
	b.mu.Unlock()

	metrics.HostBlocksTotal.WithLabelValues(string(reason)).Inc()
	b.logger.Warn("host blocked",
		"organization_id", orgID,
		"host", host,
		"reason", string(reason),
		"until", until,
	)
}

// Blocked reports whether (org, host) is currently blocked, and until when.
func (b *Blocker) Blocked(orgID, host string) (time.Time, bool) {
	b.mu.Lock()
	entry, ok := b.blocked[key{orgID, host}]
	b.mu.Unlock()
	if !ok || !entry.until.After(b.now()) {
		return time.Time{}, false
	}
	return entry.until, true
}

// RecordFailure counts a delivery failure. Three in a row trigger a block
// whose duration escalates with each repeat offense.
func (b *Blocker) RecordFailure(orgID, host string) {
	k := key{orgID, host}

	b.mu.Lock()
	entry := b.failures[k]
	entry.count++
	var blockFor time.Duration
	if entry.count >= failureThreshold {
		blockFor = escalation[entry.level]
		if entry.level < len(escalation)-1 {
			entry.level++
		}
		entry.count = 0
	}
	b.failures[k] = entry
	b.mu.Unlock()

	if blockFor > 0 {
		b.Block(orgID, host, blockFor, ReasonConsecutiveFailures)
	}
}

// RecordSuccess clears the failure streak for (org, host).
func (b *Blocker) RecordSuccess(orgID, host string) {
	b.mu.Lock()
	delete(b.failures, key{orgID, host})
	b.mu.Unlock()
}

// BlockRateLimited blocks (org, host) for the horizon a 429 asked for.
func (b *Blocker) BlockRateLimited(orgID, host string, retryAfter time.Duration) {
	b.Block(orgID, host, retryAfter, ReasonRateLimited)
}

// Run sweeps expired block entries until ctx is cancelled.
func (b *Blocker) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Blocker) sweep() {
	now := b.now()
	b.mu.Lock()
	for k, entry := range b.blocked {
		if !entry.until.After(now) {
			delete(b.blocked, k)
		}
	}
	metrics.HostBlocksActive.Set(float64(len(b.blocked)))
	b.mu.Unlock()
}
