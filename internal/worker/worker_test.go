package worker

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/hostblock"
	"github.com/gautema/runlater/internal/notifier"
	"github.com/gautema/runlater/internal/repository"
)

type fakeExecs struct {
	claimNext      func(ctx context.Context) (*domain.Delivery, error)
	finish         func(ctx context.Context, id string, status domain.ExecutionStatus, out domain.Outcome) error
	finishAndRetry func(ctx context.Context, id string, status domain.ExecutionStatus, out domain.Outcome, retry *domain.Execution) error
	prevStatus     func(ctx context.Context, taskID, excludeID string) (domain.ExecutionStatus, error)
	countPending   func(ctx context.Context) (int, error)
}

func (f *fakeExecs) Create(_ context.Context, e *domain.Execution) (*domain.Execution, error) {
	return e, nil
}

func (f *fakeExecs) GetByID(context.Context, string, string) (*domain.Execution, error) {
	return nil, domain.ErrExecutionNotFound
}

func (f *fakeExecs) List(context.Context, repository.ListExecutionsInput) ([]*domain.Execution, error) {
	return nil, nil
}

func (f *fakeExecs) ClaimNext(ctx context.Context) (*domain.Delivery, error) {
	if f.claimNext == nil {
		return nil, nil
	}
	return f.claimNext(ctx)
}

func (f *fakeExecs) Finish(ctx context.Context, id string, status domain.ExecutionStatus, out domain.Outcome) error {
	if f.finish == nil {
		return nil
	}
	return f.finish(ctx, id, status, out)
}

func (f *fakeExecs) FinishAndRetry(ctx context.Context, id string, status domain.ExecutionStatus, out domain.Outcome, retry *domain.Execution) error {
	if f.finishAndRetry == nil {
		return nil
	}
	return f.finishAndRetry(ctx, id, status, out, retry)
}

func (f *fakeExecs) PreviousTerminalStatus(ctx context.Context, taskID, excludeID string) (domain.ExecutionStatus, error) {
	if f.prevStatus == nil {
		return "", nil
	}
	return f.prevStatus(ctx, taskID, excludeID)
}

func (f *fakeExecs) CountPending(ctx context.Context) (int, error) {
	if f.countPending == nil {
		return 0, nil
	}
	return f.countPending(ctx)
}

func (f *fakeExecs) RecoverStale(context.Context, time.Time, string) (int64, error) {
	return 0, nil
}

type fakeUsage struct {
	mu      sync.Mutex
	incr    []string
	touched []string
}

func (f *fakeUsage) IncrExecutions(orgID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incr = append(f.incr, orgID)
}

func (f *fakeUsage) TouchTask(taskID string, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, taskID)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (c *captureNotifier) Publish(_ context.Context, e notifier.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureNotifier) all() []notifier.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notifier.Event(nil), c.events...)
}

func testWorker(execs repository.ExecutionRepository) (*Worker, *fakeUsage, *captureNotifier) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	u := &fakeUsage{}
	n := &captureNotifier{}
	w := &Worker{
		execs:     execs,
		deliverer: NewDeliverer(),
		blocker:   hostblock.New(logger),
		usage:     u,
		notifier:  n,
		logger:    logger,
		now:       time.Now,
	}
	return w, u, n
}

func delivery(url string, scheduleType domain.ScheduleType, attempt, retryAttempts int) *domain.Delivery {
	return &domain.Delivery{
		Execution: &domain.Execution{
			ID:             "exec-1",
			TaskID:         "task-1",
			OrganizationID: "org-1",
			Attempt:        attempt,
			Status:         domain.ExecutionRunning,
			ScheduledFor:   time.Now().Add(-time.Second),
		},
		Task: &domain.Task{
			ID:             "task-1",
			OrganizationID: "org-1",
			Name:           "charge card",
			URL:            url,
			Method:         http.MethodPost,
			TimeoutSeconds: 5,
			RetryAttempts:  retryAttempts,
			ScheduleType:   scheduleType,
			Enabled:        true,
		},
		Org: &domain.Organization{
			ID:            "org-1",
			Tier:          domain.TierFree,
			WebhookSecret: []byte("whsec_test"),
		},
	}
}

func TestProcess_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var (
		gotStatus domain.ExecutionStatus
		gotOut    domain.Outcome
	)
	execs := &fakeExecs{
		finish: func(_ context.Context, _ string, status domain.ExecutionStatus, out domain.Outcome) error {
			gotStatus, gotOut = status, out
			return nil
		},
		finishAndRetry: func(context.Context, string, domain.ExecutionStatus, domain.Outcome, *domain.Execution) error {
			t.Error("successful delivery should not schedule a retry")
			return nil
		},
	}
	w, u, n := testWorker(execs)

	w.process(context.Background(), delivery(srv.URL, domain.ScheduleOnce, 1, 3))

	if gotStatus != domain.ExecutionSuccess {
		t.Fatalf("status = %q, want success", gotStatus)
	}
	if gotOut.StatusCode == nil || *gotOut.StatusCode != http.StatusOK {
		t.Fatalf("status code = %v, want 200", gotOut.StatusCode)
	}
	if gotOut.ResponseBody == nil || *gotOut.ResponseBody != "ok" {
		t.Fatalf("response body = %v, want %q", gotOut.ResponseBody, "ok")
	}
	if len(u.incr) != 1 || u.incr[0] != "org-1" {
		t.Fatalf("usage increments = %v, want one for org-1", u.incr)
	}
	if len(u.touched) != 1 || u.touched[0] != "task-1" {
		t.Fatalf("touched tasks = %v, want task-1", u.touched)
	}
	if len(n.all()) != 0 {
		t.Fatalf("events = %v, want none on success", n.all())
	}
}

func TestProcess_FailedOnceTaskRetriesQuadratically(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var retry *domain.Execution
	execs := &fakeExecs{
		finishAndRetry: func(_ context.Context, _ string, status domain.ExecutionStatus, _ domain.Outcome, r *domain.Execution) error {
			if status != domain.ExecutionFailed {
				t.Errorf("status = %q, want failed", status)
			}
			retry = r
			return nil
		},
	}
	w, _, _ := testWorker(execs)

	before := time.Now()
	w.process(context.Background(), delivery(srv.URL, domain.ScheduleOnce, 1, 3))

	if retry == nil {
		t.Fatal("no retry scheduled")
	}
	if retry.Attempt != 2 {
		t.Fatalf("retry attempt = %d, want 2", retry.Attempt)
	}
	delay := retry.ScheduledFor.Sub(before)
	if delay < 4*time.Second || delay > 7*time.Second {
		t.Fatalf("retry delay = %v, want about 5s for attempt 1", delay)
	}
}

func TestProcess_RecurringTaskNeverRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var gotStatus domain.ExecutionStatus
	execs := &fakeExecs{
		finish: func(_ context.Context, _ string, status domain.ExecutionStatus, _ domain.Outcome) error {
			gotStatus = status
			return nil
		},
		finishAndRetry: func(context.Context, string, domain.ExecutionStatus, domain.Outcome, *domain.Execution) error {
			t.Error("recurring task scheduled a retry")
			return nil
		},
	}
	w, _, _ := testWorker(execs)

	w.process(context.Background(), delivery(srv.URL, domain.ScheduleCron, 1, 3))

	if gotStatus != domain.ExecutionFailed {
		t.Fatalf("status = %q, want failed", gotStatus)
	}
}

func TestProcess_ExhaustedAttemptsStopRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	finished := false
	execs := &fakeExecs{
		finish: func(context.Context, string, domain.ExecutionStatus, domain.Outcome) error {
			finished = true
			return nil
		},
		finishAndRetry: func(context.Context, string, domain.ExecutionStatus, domain.Outcome, *domain.Execution) error {
			t.Error("attempt 3 of 3 scheduled a retry")
			return nil
		},
	}
	w, _, _ := testWorker(execs)

	w.process(context.Background(), delivery(srv.URL, domain.ScheduleOnce, 3, 3))

	if !finished {
		t.Fatal("execution was not finished")
	}
}

func TestProcess_BlockedHostReschedulesWithoutRequest(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	del := delivery(srv.URL, domain.ScheduleOnce, 2, 3)

	var retry *domain.Execution
	var gotStatus domain.ExecutionStatus
	execs := &fakeExecs{
		finishAndRetry: func(_ context.Context, _ string, status domain.ExecutionStatus, _ domain.Outcome, r *domain.Execution) error {
			gotStatus, retry = status, r
			return nil
		},
	}
	w, u, _ := testWorker(execs)
	w.blocker.Block("org-1", "127.0.0.1", time.Hour, hostblock.ReasonConsecutiveFailures)

	w.process(context.Background(), del)

	if n := hits.Load(); n != 0 {
		t.Fatalf("blocked host received %d requests", n)
	}
	if gotStatus != domain.ExecutionFailed {
		t.Fatalf("status = %q, want failed", gotStatus)
	}
	if retry == nil {
		t.Fatal("no reschedule created")
	}
	if retry.Attempt != 2 {
		t.Fatalf("reschedule attempt = %d, want unchanged 2", retry.Attempt)
	}
	until := time.Until(retry.ScheduledFor)
	if until < 59*time.Minute || until > 61*time.Minute {
		t.Fatalf("rescheduled %v out, want about an hour", until)
	}
	if len(u.incr) != 0 {
		t.Fatalf("blocked delivery counted toward usage: %v", u.incr)
	}
}

func TestProcess_RateLimitBlocksHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	execs := &fakeExecs{}
	w, u, _ := testWorker(execs)

	w.process(context.Background(), delivery(srv.URL, domain.ScheduleCron, 1, 0))

	until, blocked := w.blocker.Blocked("org-1", "127.0.0.1")
	if !blocked {
		t.Fatal("429 did not block the host")
	}
	if d := time.Until(until); d < 118*time.Second || d > 122*time.Second {
		t.Fatalf("blocked for %v, want about 120s from Retry-After", d)
	}
	if len(u.incr) != 1 {
		t.Fatalf("usage increments = %v, want one: the request was made", u.incr)
	}
}

func TestProcess_RateLimitRetriesAtHorizon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var retry *domain.Execution
	execs := &fakeExecs{
		finishAndRetry: func(_ context.Context, _ string, _ domain.ExecutionStatus, _ domain.Outcome, r *domain.Execution) error {
			retry = r
			return nil
		},
	}
	w, _, _ := testWorker(execs)

	w.process(context.Background(), delivery(srv.URL, domain.ScheduleOnce, 1, 3))

	if retry == nil {
		t.Fatal("no retry scheduled")
	}
	if d := time.Until(retry.ScheduledFor); d < 118*time.Second || d > 122*time.Second {
		t.Fatalf("retry in %v, want the 120s Retry-After horizon, not backoff", d)
	}
}

func TestProcess_NotifiesOnlyOnFailureTransition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cases := []struct {
		name string
		prev domain.ExecutionStatus
		want int
	}{
		{"first failure ever", "", 1},
		{"was succeeding", domain.ExecutionSuccess, 1},
		{"already failing", domain.ExecutionFailed, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			execs := &fakeExecs{
				prevStatus: func(context.Context, string, string) (domain.ExecutionStatus, error) {
					return tc.prev, nil
				},
			}
			w, _, n := testWorker(execs)

			w.process(context.Background(), delivery(srv.URL, domain.ScheduleCron, 1, 0))

			events := n.all()
			if len(events) != tc.want {
				t.Fatalf("published %d events, want %d", len(events), tc.want)
			}
			if tc.want == 1 {
				e := events[0]
				if e.Kind != notifier.KindTaskFailed {
					t.Fatalf("kind = %q, want task.failed", e.Kind)
				}
				if e.Execution == nil || e.Execution.Status != domain.ExecutionFailed {
					t.Fatalf("event execution not stamped with the outcome: %+v", e.Execution)
				}
			}
		})
	}
}

func TestProcess_DropsResultWhenSweepWon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	execs := &fakeExecs{
		finish: func(context.Context, string, domain.ExecutionStatus, domain.Outcome) error {
			return domain.ErrNotRunning
		},
	}
	w, u, n := testWorker(execs)

	w.process(context.Background(), delivery(srv.URL, domain.ScheduleCron, 1, 0))

	if len(u.incr) != 0 {
		t.Fatalf("dropped result still counted toward usage: %v", u.incr)
	}
	if len(n.all()) != 0 {
		t.Fatalf("dropped result still published events: %v", n.all())
	}
}

func TestProcess_DeliversCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	got := make(chan *http.Request, 1)
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case got <- r.Clone(context.Background()):
		default:
		}
	}))
	defer cb.Close()

	old := callbackDelays
	callbackDelays = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { callbackDelays = old }()

	del := delivery(srv.URL, domain.ScheduleOnce, 1, 0)
	cbURL := cb.URL
	del.Task.CallbackURL = &cbURL

	w, _, _ := testWorker(&fakeExecs{})
	w.process(context.Background(), del)

	select {
	case r := <-got:
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("callback content type = %q", ct)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never arrived")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	w, _, _ := testWorker(&fakeExecs{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestRun_WakeCutsIdleSleepShort(t *testing.T) {
	var claims atomic.Int64
	execs := &fakeExecs{
		claimNext: func(context.Context) (*domain.Delivery, error) {
			claims.Add(1)
			return nil, nil
		},
	}
	w, _, _ := testWorker(execs)

	woken := make(chan struct{})
	close(woken)
	idle := make(chan struct{})
	first := true
	var mu sync.Mutex
	w.wake = func() <-chan struct{} {
		mu.Lock()
		defer mu.Unlock()
		if first {
			first = false
			return woken
		}
		return idle
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Without the wake the second claim would wait out a 2s backoff.
	deadline := time.After(500 * time.Millisecond)
	for claims.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("claims = %d, wake did not interrupt the idle sleep", claims.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		res  Result
		want domain.ExecutionStatus
	}{
		{"200", Result{StatusCode: 200}, domain.ExecutionSuccess},
		{"204", Result{StatusCode: 204}, domain.ExecutionSuccess},
		{"301", Result{StatusCode: 301}, domain.ExecutionFailed},
		{"404", Result{StatusCode: 404}, domain.ExecutionFailed},
		{"429", Result{StatusCode: 429}, domain.ExecutionFailed},
		{"500", Result{StatusCode: 500}, domain.ExecutionFailed},
		{"network error", Result{Err: context.Canceled}, domain.ExecutionFailed},
		{"timeout", Result{Err: context.DeadlineExceeded, TimedOut: true}, domain.ExecutionTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.res); got != tc.want {
				t.Fatalf("classify = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	want := map[int]time.Duration{
		1: 5 * time.Second,
		2: 20 * time.Second,
		3: 45 * time.Second,
	}
	for attempt, d := range want {
		if got := retryDelay(attempt); got != d {
			t.Fatalf("retryDelay(%d) = %v, want %v", attempt, got, d)
		}
	}
}
