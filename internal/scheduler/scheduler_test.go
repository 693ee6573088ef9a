package scheduler

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/notifier"
	"github.com/gautema/runlater/internal/repository"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 20, 0, time.UTC)

type fakeStore struct {
	fireDue func(ctx context.Context, now time.Time, lookahead time.Duration, limit int, plan repository.PlanFunc) (int, bool, error)
}

func (f *fakeStore) FireDue(ctx context.Context, now time.Time, lookahead time.Duration, limit int, plan repository.PlanFunc) (int, bool, error) {
	return f.fireDue(ctx, now, lookahead, limit, plan)
}

type captureNotifier struct {
	events []notifier.Event
}

func (c *captureNotifier) Publish(_ context.Context, e notifier.Event) {
	c.events = append(c.events, e)
}

func testScheduler(store repository.SchedulerStore) (*Scheduler, *captureNotifier) {
	n := &captureNotifier{}
	s := New(store, n, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	s.Now = func() time.Time { return testNow }
	return s, n
}

func cronTask(expr string, intervalMinutes int, next, created time.Time) *domain.Task {
	return &domain.Task{
		ID:              "task-1",
		OrganizationID:  "org-1",
		ScheduleType:    domain.ScheduleCron,
		CronExpr:        &expr,
		IntervalMinutes: &intervalMinutes,
		NextRunAt:       &next,
		CreatedAt:       created,
		Enabled:         true,
	}
}

func onceTask(at time.Time) *domain.Task {
	return &domain.Task{
		ID:             "task-1",
		OrganizationID: "org-1",
		ScheduleType:   domain.ScheduleOnce,
		ScheduledAt:    &at,
		NextRunAt:      &at,
		CreatedAt:      at.Add(-time.Hour),
		Enabled:        true,
	}
}

func freeOrg(count int) *domain.Organization {
	return &domain.Organization{ID: "org-1", Tier: domain.TierFree, MonthlyExecutionCount: count}
}

func planOne(s *Scheduler, task *domain.Task, org *domain.Organization, now time.Time) (repository.TaskPlan, []notifier.Event) {
	var events []notifier.Event
	p := s.planTask(task, org, now, map[string]int{}, map[string]bool{}, &events)
	return p, events
}

func TestPlanTask_UpcomingCron(t *testing.T) {
	s, _ := testScheduler(nil)
	next := testNow.Add(5 * time.Second)
	task := cronTask("*/5 * * * *", 5, next, testNow.Add(-24*time.Hour))

	plan, events := planOne(s, task, freeOrg(0), testNow)

	if plan.Pending == nil || !plan.Pending.Equal(next) {
		t.Fatalf("pending = %v, want %v", plan.Pending, next)
	}
	if len(plan.Missed) != 0 {
		t.Fatalf("missed = %v, want none", plan.Missed)
	}
	if plan.NextRunAt == nil || !plan.NextRunAt.After(next) {
		t.Fatalf("next_run_at = %v, want after %v", plan.NextRunAt, next)
	}
	if plan.QuotaHit || len(events) != 0 {
		t.Fatalf("unexpected quota effects: hit=%v events=%v", plan.QuotaHit, events)
	}
}

func TestPlanTask_UpcomingOnceClearsNextRun(t *testing.T) {
	s, _ := testScheduler(nil)
	at := testNow.Add(3 * time.Second)
	task := onceTask(at)

	plan, _ := planOne(s, task, freeOrg(0), testNow)

	if plan.Pending == nil || !plan.Pending.Equal(at) {
		t.Fatalf("pending = %v, want %v", plan.Pending, at)
	}
	if plan.NextRunAt != nil {
		t.Fatalf("next_run_at = %v, want nil after a one-shot fires", plan.NextRunAt)
	}
}

func TestPlanTask_OverdueWithinGrace(t *testing.T) {
	s, _ := testScheduler(nil)
	// Every minute, last aligned fire 20s ago: inside the 30s grace.
	next := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	task := cronTask("* * * * *", 1, next, testNow.Add(-24*time.Hour))

	plan, _ := planOne(s, task, freeOrg(0), testNow)

	if plan.Pending == nil || !plan.Pending.Equal(next) {
		t.Fatalf("pending = %v, want %v", plan.Pending, next)
	}
	if len(plan.Missed) != 0 {
		t.Fatalf("missed = %v, want none", plan.Missed)
	}
	want := next.Add(time.Minute)
	if plan.NextRunAt == nil || !plan.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", plan.NextRunAt, want)
	}
}

func TestPlanTask_OverdueCatchUp(t *testing.T) {
	s, _ := testScheduler(nil)
	// Six fires behind (12:05 through 12:10); only the newest is delivered.
	now := time.Date(2026, 3, 10, 12, 10, 30, 0, time.UTC)
	next := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)
	task := cronTask("* * * * *", 1, next, now.Add(-24*time.Hour))

	plan, _ := planOne(s, task, freeOrg(0), now)

	last := time.Date(2026, 3, 10, 12, 10, 0, 0, time.UTC)
	if plan.Pending == nil || !plan.Pending.Equal(last) {
		t.Fatalf("pending = %v, want %v", plan.Pending, last)
	}
	if len(plan.Missed) != 5 {
		t.Fatalf("missed %d fires, want 5", len(plan.Missed))
	}
	if !plan.Missed[0].Equal(next) {
		t.Fatalf("oldest missed = %v, want %v", plan.Missed[0], next)
	}
}

func TestPlanTask_OverdueBeyondGrace(t *testing.T) {
	s, _ := testScheduler(nil)
	// Newest fire is 45s old with a 30s grace: nothing is delivered.
	now := time.Date(2026, 3, 10, 12, 10, 45, 0, time.UTC)
	next := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)
	task := cronTask("* * * * *", 1, next, now.Add(-24*time.Hour))

	plan, _ := planOne(s, task, freeOrg(0), now)

	if plan.Pending != nil {
		t.Fatalf("pending = %v, want none beyond grace", plan.Pending)
	}
	if len(plan.Missed) != 6 {
		t.Fatalf("missed %d fires, want 6", len(plan.Missed))
	}
	if plan.QuotaHit {
		t.Fatal("grace miss reported as quota hit")
	}
}

func TestPlanTask_NoBackfillBeforeCreation(t *testing.T) {
	s, _ := testScheduler(nil)
	now := time.Date(2026, 3, 10, 12, 10, 20, 0, time.UTC)
	next := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)
	created := time.Date(2026, 3, 10, 12, 8, 30, 0, time.UTC)
	task := cronTask("* * * * *", 1, next, created)

	plan, _ := planOne(s, task, freeOrg(0), now)

	// Fires at 12:05..12:08 predate the task; only 12:09 and 12:10 count.
	if len(plan.Missed) != 1 || !plan.Missed[0].Equal(time.Date(2026, 3, 10, 12, 9, 0, 0, time.UTC)) {
		t.Fatalf("missed = %v, want only 12:09", plan.Missed)
	}
	if plan.Pending == nil || !plan.Pending.Equal(time.Date(2026, 3, 10, 12, 10, 0, 0, time.UTC)) {
		t.Fatalf("pending = %v, want 12:10", plan.Pending)
	}
}

func TestPlanTask_OnceBeyondGraceIsMissed(t *testing.T) {
	s, _ := testScheduler(nil)
	at := testNow.Add(-2 * time.Hour)
	task := onceTask(at)

	plan, _ := planOne(s, task, freeOrg(0), testNow)

	if plan.Pending != nil {
		t.Fatalf("pending = %v, want none two hours late", plan.Pending)
	}
	if len(plan.Missed) != 1 || !plan.Missed[0].Equal(at) {
		t.Fatalf("missed = %v, want the single fire", plan.Missed)
	}
	if plan.NextRunAt != nil {
		t.Fatalf("next_run_at = %v, want nil", plan.NextRunAt)
	}
}

func TestPlanTask_CatchUpCapKeepsResumeInPast(t *testing.T) {
	s, _ := testScheduler(nil)
	next := testNow.Add(-2000 * time.Minute).Truncate(time.Minute)
	task := cronTask("* * * * *", 1, next, testNow.Add(-30*24*time.Hour))

	plan, _ := planOne(s, task, freeOrg(0), testNow)

	if len(plan.Missed) != catchUpCap {
		t.Fatalf("missed %d fires, want cap %d", len(plan.Missed), catchUpCap)
	}
	if plan.Pending != nil {
		t.Fatal("capped catch-up should not deliver")
	}
	if plan.NextRunAt == nil || plan.NextRunAt.After(testNow) {
		t.Fatalf("next_run_at = %v, want still in the past so the next tick resumes", plan.NextRunAt)
	}
}

func TestPlanTask_OverQuotaSkipsAndAdvances(t *testing.T) {
	s, _ := testScheduler(nil)
	next := testNow.Add(5 * time.Second)
	task := cronTask("*/5 * * * *", 5, next, testNow.Add(-24*time.Hour))
	org := freeOrg(domain.TierFree.MonthlyExecutionLimit())

	plan, events := planOne(s, task, org, testNow)

	if plan.Pending != nil {
		t.Fatal("pending execution created over quota")
	}
	if !plan.QuotaHit {
		t.Fatal("quota hit not reported")
	}
	if plan.NextRunAt == nil || !plan.NextRunAt.After(next) {
		t.Fatalf("next_run_at = %v, want advanced past %v", plan.NextRunAt, next)
	}
	if len(events) != 1 || events[0].Kind != notifier.KindQuotaExhausted || events[0].Threshold != 100 {
		t.Fatalf("events = %v, want one quota.exhausted", events)
	}
}

func TestPlanTask_QuotaExhaustedNotifiedOncePerTick(t *testing.T) {
	s, _ := testScheduler(nil)
	org := freeOrg(domain.TierFree.MonthlyExecutionLimit())
	quotaUsed, notified := map[string]int{}, map[string]bool{}
	var events []notifier.Event

	for i := 0; i < 3; i++ {
		next := testNow.Add(5 * time.Second)
		task := cronTask("*/5 * * * *", 5, next, testNow.Add(-24*time.Hour))
		s.planTask(task, org, testNow, quotaUsed, notified, &events)
	}

	if len(events) != 1 {
		t.Fatalf("published %d events across the tick, want 1", len(events))
	}
}

func TestPlanTask_WarnsAtEightyPercent(t *testing.T) {
	s, _ := testScheduler(nil)
	limit := domain.TierFree.MonthlyExecutionLimit()
	next := testNow.Add(5 * time.Second)
	task := cronTask("*/5 * * * *", 5, next, testNow.Add(-24*time.Hour))

	// One below the 80% line: this fire crosses it.
	plan, events := planOne(s, task, freeOrg(limit*4/5-1), testNow)

	if plan.Pending == nil {
		t.Fatal("crossing 80% should still deliver")
	}
	if len(events) != 1 || events[0].Kind != notifier.KindQuotaWarning || events[0].Threshold != 80 {
		t.Fatalf("events = %v, want one quota.warning at 80", events)
	}

	// Already past the line: no repeat warning.
	_, events = planOne(s, task, freeOrg(limit*4/5), testNow)
	if len(events) != 0 {
		t.Fatalf("events = %v, want none past the crossing", events)
	}
}

func TestPlanTask_QuotaCountsFiresWithinTick(t *testing.T) {
	s, _ := testScheduler(nil)
	org := freeOrg(domain.TierFree.MonthlyExecutionLimit() - 1)
	quotaUsed, notified := map[string]int{}, map[string]bool{}
	var events []notifier.Event

	next := testNow.Add(5 * time.Second)
	first := s.planTask(cronTask("*/5 * * * *", 5, next, testNow.Add(-time.Hour)), org, testNow, quotaUsed, notified, &events)
	second := s.planTask(cronTask("*/5 * * * *", 5, next, testNow.Add(-time.Hour)), org, testNow, quotaUsed, notified, &events)

	if first.Pending == nil {
		t.Fatal("first fire should consume the last quota slot")
	}
	if second.Pending != nil || !second.QuotaHit {
		t.Fatal("second fire in the same tick should see the quota spent")
	}
}

func TestTick_WakesWorkersWhenCreated(t *testing.T) {
	store := &fakeStore{
		fireDue: func(_ context.Context, _ time.Time, _ time.Duration, _ int, _ repository.PlanFunc) (int, bool, error) {
			return 3, true, nil
		},
	}
	s, _ := testScheduler(store)
	woke := false
	s.WakeWorkers = func(context.Context) { woke = true }

	s.tick(context.Background())

	if !woke {
		t.Fatal("workers not woken after executions were created")
	}
}

func TestTick_NotLeaderStaysQuiet(t *testing.T) {
	store := &fakeStore{
		fireDue: func(_ context.Context, _ time.Time, _ time.Duration, _ int, _ repository.PlanFunc) (int, bool, error) {
			return 0, false, nil
		},
	}
	s, n := testScheduler(store)
	s.WakeWorkers = func(context.Context) { t.Fatal("follower woke workers") }

	s.tick(context.Background())

	if len(n.events) != 0 {
		t.Fatalf("follower published %d events", len(n.events))
	}
}

func TestTick_PublishesQuotaEventsAfterCommit(t *testing.T) {
	org := freeOrg(domain.TierFree.MonthlyExecutionLimit())
	n := &captureNotifier{}
	store := &fakeStore{
		fireDue: func(_ context.Context, now time.Time, _ time.Duration, _ int, plan repository.PlanFunc) (int, bool, error) {
			next := now.Add(5 * time.Second)
			plan(cronTask("*/5 * * * *", 5, next, now.Add(-time.Hour)), org, now)
			if len(n.events) != 0 {
				t.Error("event published before the firing transaction returned")
			}
			return 0, true, nil
		},
	}
	s := New(store, n, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	s.Now = func() time.Time { return testNow }

	s.tick(context.Background())

	if len(n.events) != 1 || n.events[0].Kind != notifier.KindQuotaExhausted {
		t.Fatalf("events = %v, want one quota.exhausted", n.events)
	}
}

func TestStart_WakeTriggersTick(t *testing.T) {
	ticked := make(chan struct{}, 1)
	store := &fakeStore{
		fireDue: func(_ context.Context, _ time.Time, _ time.Duration, _ int, _ repository.PlanFunc) (int, bool, error) {
			select {
			case ticked <- struct{}{}:
			default:
			}
			return 0, true, nil
		},
	}
	s, _ := testScheduler(store)
	wake := make(chan struct{}, 1)
	s.Wake = wake

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	wake <- struct{}{}
	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("wake signal did not trigger a tick")
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	store := &fakeStore{
		fireDue: func(_ context.Context, _ time.Time, _ time.Duration, _ int, _ repository.PlanFunc) (int, bool, error) {
			return 0, true, nil
		},
	}
	s, _ := testScheduler(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
