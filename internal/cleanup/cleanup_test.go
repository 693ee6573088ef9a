package cleanup

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/repository"
)

type fakeStore struct {
	purgeAged func(ctx context.Context, now time.Time) (repository.CleanupStats, bool, error)
}

func (f *fakeStore) PurgeAged(ctx context.Context, now time.Time) (repository.CleanupStats, bool, error) {
	return f.purgeAged(ctx, now)
}

type fakeExecs struct {
	recoverStale func(ctx context.Context, olderThan time.Time, message string) (int64, error)
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

func (f *fakeExecs) ClaimNext(context.Context) (*domain.Delivery, error) { return nil, nil }

func (f *fakeExecs) Finish(context.Context, string, domain.ExecutionStatus, domain.Outcome) error {
	return nil
}

func (f *fakeExecs) FinishAndRetry(context.Context, string, domain.ExecutionStatus, domain.Outcome, *domain.Execution) error {
	return nil
}

func (f *fakeExecs) PreviousTerminalStatus(context.Context, string, string) (domain.ExecutionStatus, error) {
	return "", nil
}

func (f *fakeExecs) CountPending(context.Context) (int, error) { return 0, nil }

func (f *fakeExecs) RecoverStale(ctx context.Context, olderThan time.Time, message string) (int64, error) {
	return f.recoverStale(ctx, olderThan, message)
}

func testCleaner(store repository.CleanupStore, execs repository.ExecutionRepository) *Cleaner {
	return New(store, execs, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestRecoverStale_CutoffAndMessage(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var gotCutoff time.Time
	var gotMessage string
	execs := &fakeExecs{
		recoverStale: func(_ context.Context, olderThan time.Time, message string) (int64, error) {
			gotCutoff, gotMessage = olderThan, message
			return 2, nil
		},
	}
	c := testCleaner(&fakeStore{}, execs)
	c.now = func() time.Time { return now }

	c.recoverStale(context.Background())

	if want := now.Add(-5 * time.Minute); !gotCutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", gotCutoff, want)
	}
	if gotMessage != "interrupted" {
		t.Fatalf("message = %q, want %q", gotMessage, "interrupted")
	}
}

func TestPurge_RunsUnderLeaderLock(t *testing.T) {
	called := false
	store := &fakeStore{
		purgeAged: func(context.Context, time.Time) (repository.CleanupStats, bool, error) {
			called = true
			return repository.CleanupStats{Executions: 10, Tasks: 3}, true, nil
		},
	}
	c := testCleaner(store, &fakeExecs{})

	c.purge(context.Background())

	if !called {
		t.Fatal("purge never reached the store")
	}
}

func TestUntilNextPurge(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"before the hour", time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), time.Hour},
		{"after the hour", time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC), 23 * time.Hour},
		{"exactly on the hour", time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC), 24 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testCleaner(&fakeStore{}, &fakeExecs{})
			c.now = func() time.Time { return tc.now }
			if got := c.untilNextPurge(); got != tc.want {
				t.Fatalf("untilNextPurge = %v, want %v", got, tc.want)
			}
		})
	}
}
