// Package worker claims due executions and delivers them. A worker is one
// sequential goroutine; the pool scales how many are alive with the
// pending backlog, and idle workers exit on their own.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/hostblock"
	"github.com/gautema/runlater/internal/httpx"
	"github.com/gautema/runlater/internal/metrics"
	"github.com/gautema/runlater/internal/notifier"
	"github.com/gautema/runlater/internal/repository"
)

const (
	idleBackoffStart = 2 * time.Second
	idleBackoffCap   = 5 * time.Second
	idleExitAfter    = 5 * time.Minute

	// retryBackoffUnit scales the quadratic retry delay: attempt n failing
	// schedules attempt n+1 at n² times this.
	retryBackoffUnit = 5 * time.Second
)

type Notifier interface {
	Publish(ctx context.Context, e notifier.Event)
}

// usage is the slice of the execution counter workers touch.
type usage interface {
	IncrExecutions(orgID string)
	TouchTask(taskID string, at time.Time)
}

type Worker struct {
	execs     repository.ExecutionRepository
	deliverer *Deliverer
	blocker   *hostblock.Blocker
	usage     usage
	notifier  Notifier
	logger    *slog.Logger

	// wake returns the pool's current broadcast channel; idle workers
	// select on it to cut the backoff sleep short.
	wake func() <-chan struct{}
	now  func() time.Time
}

func (w *Worker) Run(ctx context.Context) {
	w.logger.Debug("worker started")

	backoff := idleBackoffStart
	var idle time.Duration

	for {
		if ctx.Err() != nil {
			w.logger.Debug("worker shut down")
			return
		}

		del, err := w.execs.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Debug("worker shut down")
				return
			}
			w.logger.Error("claim execution", "error", err)
		}

		if del == nil {
			slept, woken := w.sleep(ctx, backoff)
			if woken {
				backoff, idle = idleBackoffStart, 0
				continue
			}
			idle += slept
			if idle >= idleExitAfter {
				w.logger.Debug("worker idle exit", "idle", idle)
				return
			}
			backoff = min(backoff*2, idleBackoffCap)
			continue
		}

		backoff, idle = idleBackoffStart, 0
		w.process(ctx, del)
	}
}

// sleep waits out the idle backoff, cut short by a wake broadcast.
func (w *Worker) sleep(ctx context.Context, d time.Duration) (slept time.Duration, woken bool) {
	var wakeCh <-chan struct{}
	if w.wake != nil {
		wakeCh = w.wake()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, false
	case <-timer.C:
		return d, false
	case <-wakeCh:
		return 0, true
	}
}

func (w *Worker) process(ctx context.Context, del *domain.Delivery) {
	exec, task, org := del.Execution, del.Task, del.Org

	metrics.ExecutionPickupLatency.Observe(w.now().Sub(exec.ScheduledFor).Seconds())

	// A shutdown must not abort a claimed delivery: finish it, then exit.
	ctx = context.WithoutCancel(ctx)

	host := httpx.Host(task.URL)
	if until, blocked := w.blocker.Blocked(org.ID, host); blocked {
		w.finishBlocked(ctx, del, host, until)
		return
	}

	w.logger.Info("delivering",
		"execution_id", exec.ID,
		"task_id", task.ID,
		"method", task.Method,
		"url", task.URL,
		"attempt", exec.Attempt,
	)

	res := w.deliverer.Run(ctx, del)
	status := classify(res)

	switch {
	case status == domain.ExecutionSuccess:
		w.blocker.RecordSuccess(org.ID, host)
	case res.StatusCode == http.StatusTooManyRequests:
		w.blocker.BlockRateLimited(org.ID, host, res.RetryAfter)
	case res.Err != nil || res.StatusCode >= 500:
		w.blocker.RecordFailure(org.ID, host)
	}

	out := outcome(res)
	var retry *domain.Execution
	if status != domain.ExecutionSuccess && retryable(task, exec) {
		at := w.now().Add(retryDelay(exec.Attempt))
		if res.StatusCode == http.StatusTooManyRequests {
			// Rate-limited: retry when the Retry-After horizon lifts.
			at = w.now().Add(res.RetryAfter)
		}
		retry = retryExecution(exec, exec.Attempt+1, at)
	}

	if err := w.finish(ctx, exec.ID, status, out, retry); err != nil {
		return
	}

	metrics.DeliveryDuration.WithLabelValues(string(status)).Observe(res.Duration.Seconds())
	metrics.ExecutionsFinishedTotal.WithLabelValues(string(status)).Inc()

	w.usage.IncrExecutions(org.ID)
	w.usage.TouchTask(task.ID, w.now())

	if task.CallbackURL != nil {
		go w.sendCallback(ctx, del, status, out)
	}
	if status != domain.ExecutionSuccess {
		w.notifyFailure(ctx, del, status, out)
	}

	if status == domain.ExecutionSuccess {
		w.logger.Info("delivery succeeded",
			"execution_id", exec.ID,
			"status_code", res.StatusCode,
			"duration", res.Duration,
		)
	} else {
		w.logger.Warn("delivery failed",
			"execution_id", exec.ID,
			"status", status,
			"error", errorText(out),
			"retry_scheduled", retry != nil,
		)
	}
}

// finishBlocked fails a claimed execution without an HTTP attempt and
// reschedules it for when the block lifts. The attempt number carries
// over: a block reschedule is not a consumed retry.
func (w *Worker) finishBlocked(ctx context.Context, del *domain.Delivery, host string, until time.Time) {
	exec := del.Execution
	msg := fmt.Sprintf("host %s is blocked until %s", host, until.UTC().Format(time.RFC3339))
	out := domain.Outcome{ErrorMessage: &msg}
	retry := retryExecution(exec, exec.Attempt, until)

	if err := w.finish(ctx, exec.ID, domain.ExecutionFailed, out, retry); err != nil {
		return
	}

	metrics.ExecutionsFinishedTotal.WithLabelValues("blocked").Inc()
	w.logger.Warn("delivery skipped, host blocked",
		"execution_id", exec.ID,
		"host", host,
		"blocked_until", until,
	)
}

func (w *Worker) finish(ctx context.Context, execID string, status domain.ExecutionStatus, out domain.Outcome, retry *domain.Execution) error {
	var err error
	if retry != nil {
		err = w.execs.FinishAndRetry(ctx, execID, status, out, retry)
	} else {
		err = w.execs.Finish(ctx, execID, status, out)
	}
	if errors.Is(err, domain.ErrNotRunning) {
		// The stale sweep already failed this row; its verdict stands.
		w.logger.Warn("execution finished elsewhere, dropping result", "execution_id", execID)
		return err
	}
	if err != nil {
		w.logger.Error("finish execution", "execution_id", execID, "error", err)
	}
	return err
}

// notifyFailure publishes task.failed only on a transition: the task's
// previous finished execution was a success, or there was none.
func (w *Worker) notifyFailure(ctx context.Context, del *domain.Delivery, status domain.ExecutionStatus, out domain.Outcome) {
	prev, err := w.execs.PreviousTerminalStatus(ctx, del.Task.ID, del.Execution.ID)
	if err != nil {
		w.logger.Error("look up previous terminal status", "task_id", del.Task.ID, "error", err)
		return
	}
	if prev != "" && prev != domain.ExecutionSuccess {
		return
	}

	snapshot := *del.Execution
	snapshot.Status = status
	snapshot.StatusCode = out.StatusCode
	snapshot.ErrorMessage = out.ErrorMessage

	w.notifier.Publish(ctx, notifier.Event{
		Kind:      notifier.KindTaskFailed,
		Org:       del.Org,
		Task:      del.Task,
		Execution: &snapshot,
	})
}

func classify(res Result) domain.ExecutionStatus {
	switch {
	case res.Err == nil && res.StatusCode >= 200 && res.StatusCode < 300:
		return domain.ExecutionSuccess
	case res.TimedOut:
		return domain.ExecutionTimeout
	default:
		return domain.ExecutionFailed
	}
}

func outcome(res Result) domain.Outcome {
	out := domain.Outcome{Duration: res.Duration}
	if res.Err != nil {
		msg := res.Err.Error()
		out.ErrorMessage = &msg
		return out
	}
	code := res.StatusCode
	out.StatusCode = &code
	if res.Body != "" {
		body := res.Body
		out.ResponseBody = &body
	}
	if code < 200 || code >= 300 {
		msg := fmt.Sprintf("unexpected status code: %d", code)
		out.ErrorMessage = &msg
	}
	return out
}

// Only one-shots retry; a recurring task's next fire is its retry.
func retryable(task *domain.Task, exec *domain.Execution) bool {
	return task.ScheduleType == domain.ScheduleOnce && exec.Attempt < task.RetryAttempts
}

// retryDelay grows quadratically: 5s, 20s, 45s after attempts 1, 2, 3.
func retryDelay(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * retryBackoffUnit
}

func retryExecution(prev *domain.Execution, attempt int, at time.Time) *domain.Execution {
	return &domain.Execution{
		TaskID:         prev.TaskID,
		OrganizationID: prev.OrganizationID,
		Attempt:        attempt,
		Status:         domain.ExecutionPending,
		ScheduledFor:   at,
	}
}

func errorText(out domain.Outcome) string {
	if out.ErrorMessage == nil {
		return ""
	}
	return *out.ErrorMessage
}
