package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gautema/runlater/internal/hostblock"
	"github.com/gautema/runlater/internal/metrics"
	"github.com/gautema/runlater/internal/repository"
)

const (
	resizeInterval = 5 * time.Second
	minWorkers     = 2
	maxWorkers     = 20
)

// Pool keeps between minWorkers and maxWorkers workers alive, sized by
// the pending backlog. Scale-down is implicit: idle workers exit on
// their own and the next resize only replaces them if the backlog asks.
type Pool struct {
	execs     repository.ExecutionRepository
	deliverer *Deliverer
	blocker   *hostblock.Blocker
	usage     usage
	notifier  Notifier
	logger    *slog.Logger

	// Wake delivers coalesced wake signals from the bus; nil = timer only.
	Wake <-chan struct{}

	live atomic.Int64
	seq  atomic.Int64
	wg   sync.WaitGroup

	mu     sync.Mutex
	wakeCh chan struct{}
}

func NewPool(execs repository.ExecutionRepository, blocker *hostblock.Blocker, u usage, n Notifier, logger *slog.Logger) *Pool {
	return &Pool{
		execs:     execs,
		deliverer: NewDeliverer(),
		blocker:   blocker,
		usage:     u,
		notifier:  n,
		logger:    logger,
		wakeCh:    make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	ticker := time.NewTicker(resizeInterval)
	defer ticker.Stop()

	p.logger.Info("worker pool started", "min", minWorkers, "max", maxWorkers)
	p.resize(ctx)

	for {
		select {
		case <-ctx.Done():
			// Workers finish their current delivery, then exit.
			p.wg.Wait()
			p.logger.Info("worker pool shut down")
			return
		case <-ticker.C:
		case <-p.Wake:
			p.broadcast()
		}
		p.resize(ctx)
	}
}

// broadcast wakes every idle worker by closing the current wake channel
// and installing a fresh one.
func (p *Pool) broadcast() {
	p.mu.Lock()
	close(p.wakeCh)
	p.wakeCh = make(chan struct{})
	p.mu.Unlock()
}

func (p *Pool) wakeSignal() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wakeCh
}

func (p *Pool) resize(ctx context.Context) {
	pending, err := p.execs.CountPending(ctx)
	if err != nil {
		p.logger.Error("count pending executions", "error", err)
		return
	}
	metrics.PendingExecutions.Set(float64(pending))

	target := clamp(pending, minWorkers, maxWorkers)
	live := int(p.live.Load())
	if live >= target {
		return
	}

	for i := live; i < target; i++ {
		p.spawn(ctx)
	}
	p.logger.Info("scaled worker pool", "live", live, "target", target, "pending", pending)
}

func (p *Pool) spawn(ctx context.Context) {
	w := p.newWorker()
	p.live.Add(1)
	p.wg.Add(1)
	metrics.WorkersLive.Inc()

	go func() {
		defer func() {
			p.live.Add(-1)
			metrics.WorkersLive.Dec()
			p.wg.Done()
		}()
		w.Run(ctx)
	}()
}

func (p *Pool) newWorker() *Worker {
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d-w%d", hostname, os.Getpid(), p.seq.Add(1))
	return &Worker{
		execs:     p.execs,
		deliverer: p.deliverer,
		blocker:   p.blocker,
		usage:     p.usage,
		notifier:  p.notifier,
		logger:    p.logger.With("worker_id", id),
		wake:      p.wakeSignal,
		now:       time.Now,
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
