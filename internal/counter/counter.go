// Package counter coalesces per-execution bookkeeping writes. Incrementing
// organizations.monthly_execution_count and tasks.last_execution_at on
// every delivery serializes hot rows; buffering in memory and flushing on
// an interval turns thousands of row updates into a handful.
package counter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gautema/runlater/internal/metrics"
	"github.com/gautema/runlater/internal/repository"
)

const flushInterval = 5 * time.Second

// Counter buffers execution-count deltas and task timestamps.
// All methods are safe for concurrent use without locking.
type Counter struct {
	store  repository.CounterStore
	logger *slog.Logger

	// counters holds orgID → *atomic.Int64 pending delta. Flush
	// subtracts what it wrote instead of zeroing, so increments that
	// race a flush are never lost.
	counters sync.Map

	// timestamps holds taskID → int64 unix nanos. Values are stored
	// raw (not behind a pointer) so flush can CompareAndDelete and
	// lose to a racing newer write.
	timestamps sync.Map
}

func New(store repository.CounterStore, logger *slog.Logger) *Counter {
	return &Counter{
		store:  store,
		logger: logger.With("component", "counter"),
	}
}

// IncrExecutions buffers one execution against the org's monthly count.
func (c *Counter) IncrExecutions(orgID string) {
	v, _ := c.counters.LoadOrStore(orgID, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// TouchTask buffers last_execution_at for the task, keeping the latest.
func (c *Counter) TouchTask(taskID string, at time.Time) {
	n := at.UnixNano()
	for {
		cur, loaded := c.timestamps.LoadOrStore(taskID, n)
		if !loaded {
			return
		}
		old := cur.(int64)
		if old >= n {
			return
		}
		if c.timestamps.CompareAndSwap(taskID, old, n) {
			return
		}
	}
}

// Run flushes every flushInterval until ctx is cancelled, then performs a
// final flush so buffered writes survive graceful shutdown.
func (c *Counter) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *Counter) flush(ctx context.Context) {
	var written int

	c.counters.Range(func(k, v any) bool {
		orgID := k.(string)
		entry := v.(*atomic.Int64)
		delta := entry.Load()
		if delta == 0 {
			return true
		}
		if err := c.store.AddMonthlyExecutions(ctx, orgID, delta); err != nil {
			// Keep the delta; next flush retries.
			c.logger.Error("counter flush failed", "organization_id", orgID, "error", err)
			return true
		}
		entry.Add(-delta)
		written++
		return true
	})

	c.timestamps.Range(func(k, v any) bool {
		taskID := k.(string)
		n := v.(int64)
		if err := c.store.SetTaskLastExecution(ctx, taskID, time.Unix(0, n).UTC()); err != nil {
			c.logger.Error("timestamp flush failed", "task_id", taskID, "error", err)
			return true
		}
		// A racing TouchTask with a newer value wins; the entry then
		// survives for the next flush.
		c.timestamps.CompareAndDelete(taskID, n)
		written++
		return true
	})

	metrics.CounterFlushEntries.Observe(float64(written))
}
