package monitorcheck

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/notifier"
	"github.com/gautema/runlater/internal/repository"
)

type fakeMonitors struct {
	markDownDue func(ctx context.Context, now time.Time) ([]*domain.Monitor, bool, error)
	ping        func(ctx context.Context, token string, ping *domain.MonitorPing, computeNext func(m *domain.Monitor, now time.Time) *time.Time) (*domain.Monitor, bool, error)
}

func (f *fakeMonitors) Create(_ context.Context, m *domain.Monitor) (*domain.Monitor, error) {
	return m, nil
}

func (f *fakeMonitors) GetByID(context.Context, string, string) (*domain.Monitor, error) {
	return nil, domain.ErrMonitorNotFound
}

func (f *fakeMonitors) List(context.Context, repository.ListMonitorsInput) ([]*domain.Monitor, error) {
	return nil, nil
}

func (f *fakeMonitors) Update(_ context.Context, m *domain.Monitor) (*domain.Monitor, error) {
	return m, nil
}

func (f *fakeMonitors) Delete(context.Context, string, string) error { return nil }

func (f *fakeMonitors) Ping(ctx context.Context, token string, ping *domain.MonitorPing, computeNext func(m *domain.Monitor, now time.Time) *time.Time) (*domain.Monitor, bool, error) {
	return f.ping(ctx, token, ping, computeNext)
}

func (f *fakeMonitors) MarkDownDue(ctx context.Context, now time.Time) ([]*domain.Monitor, bool, error) {
	return f.markDownDue(ctx, now)
}

func (f *fakeMonitors) ListPings(context.Context, string, string, int) ([]*domain.MonitorPing, error) {
	return nil, nil
}

type fakeOrgs struct {
	getByID func(ctx context.Context, id string) (*domain.Organization, error)
}

func (f *fakeOrgs) Upsert(_ context.Context, org *domain.Organization) (*domain.Organization, error) {
	return org, nil
}

func (f *fakeOrgs) GetByID(ctx context.Context, id string) (*domain.Organization, error) {
	if f.getByID == nil {
		return &domain.Organization{ID: id, Tier: domain.TierFree}, nil
	}
	return f.getByID(ctx, id)
}

func (f *fakeOrgs) UpdateNotifySettings(context.Context, string, *string, *string) error {
	return nil
}

type captureNotifier struct {
	events []notifier.Event
}

func (c *captureNotifier) Publish(_ context.Context, e notifier.Event) {
	c.events = append(c.events, e)
}

func testLogger() *slog.Logger {
	// JSONHandler: go 1.21's TextHandler calls MarshalText on nil
	// *time.Time attrs (e.g. Monitor.LastPingAt) and panics; the JSON
	// path renders them as null. Go >= 1.22 recovers this in slog.
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

func testMonitor(id string) *domain.Monitor {
	interval := 300
	return &domain.Monitor{
		ID:                 id,
		OrganizationID:     "org-1",
		Name:               "nightly backup",
		Token:              "tok-" + id,
		IntervalSeconds:    &interval,
		GracePeriodSeconds: 60,
		Status:             domain.MonitorUp,
		Enabled:            true,
	}
}

func TestCheck_PublishesDownEvents(t *testing.T) {
	monitors := &fakeMonitors{
		markDownDue: func(context.Context, time.Time) ([]*domain.Monitor, bool, error) {
			return []*domain.Monitor{testMonitor("m-1"), testMonitor("m-2")}, true, nil
		},
	}
	n := &captureNotifier{}
	c := NewChecker(monitors, &fakeOrgs{}, n, testLogger())

	c.check(context.Background())

	if len(n.events) != 2 {
		t.Fatalf("published %d events, want 2", len(n.events))
	}
	for _, e := range n.events {
		if e.Kind != notifier.KindMonitorDown {
			t.Fatalf("kind = %q, want monitor.down", e.Kind)
		}
		if e.Org == nil || e.Org.ID != "org-1" {
			t.Fatalf("event org = %+v", e.Org)
		}
	}
}

func TestCheck_FollowerStaysQuiet(t *testing.T) {
	monitors := &fakeMonitors{
		markDownDue: func(context.Context, time.Time) ([]*domain.Monitor, bool, error) {
			return nil, false, nil
		},
	}
	n := &captureNotifier{}
	c := NewChecker(monitors, &fakeOrgs{}, n, testLogger())

	c.check(context.Background())

	if len(n.events) != 0 {
		t.Fatalf("follower published %d events", len(n.events))
	}
}

func TestPing_RecordsAndRecovers(t *testing.T) {
	m := testMonitor("m-1")
	m.Status = domain.MonitorDown

	var gotPing *domain.MonitorPing
	monitors := &fakeMonitors{
		ping: func(_ context.Context, token string, ping *domain.MonitorPing, _ func(*domain.Monitor, time.Time) *time.Time) (*domain.Monitor, bool, error) {
			if token != "tok-m-1" {
				t.Fatalf("token = %q", token)
			}
			gotPing = ping
			return m, true, nil
		},
	}
	n := &captureNotifier{}
	s := NewPingService(monitors, &fakeOrgs{}, n, testLogger())

	got, err := s.Ping(context.Background(), "tok-m-1", "203.0.113.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "m-1" {
		t.Fatalf("monitor = %+v", got)
	}
	if gotPing.ID == "" || gotPing.ReceivedAt.IsZero() || gotPing.SourceIP != "203.0.113.9" {
		t.Fatalf("ping = %+v", gotPing)
	}
	if len(n.events) != 1 || n.events[0].Kind != notifier.KindMonitorRecovered {
		t.Fatalf("events = %v, want one monitor.recovered", n.events)
	}
}

func TestPing_UpMonitorStaysQuiet(t *testing.T) {
	monitors := &fakeMonitors{
		ping: func(_ context.Context, _ string, _ *domain.MonitorPing, _ func(*domain.Monitor, time.Time) *time.Time) (*domain.Monitor, bool, error) {
			return testMonitor("m-1"), false, nil
		},
	}
	n := &captureNotifier{}
	s := NewPingService(monitors, &fakeOrgs{}, n, testLogger())

	if _, err := s.Ping(context.Background(), "tok-m-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(n.events) != 0 {
		t.Fatalf("events = %v, want none", n.events)
	}
}

func TestPing_PausedPropagates(t *testing.T) {
	monitors := &fakeMonitors{
		ping: func(context.Context, string, *domain.MonitorPing, func(*domain.Monitor, time.Time) *time.Time) (*domain.Monitor, bool, error) {
			return nil, false, domain.ErrMonitorPaused
		},
	}
	s := NewPingService(monitors, &fakeOrgs{}, &captureNotifier{}, testLogger())

	_, err := s.Ping(context.Background(), "tok", "")
	if !errors.Is(err, domain.ErrMonitorPaused) {
		t.Fatalf("err = %v, want ErrMonitorPaused", err)
	}
}

func TestNextExpected(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)

	interval := 300
	m := &domain.Monitor{IntervalSeconds: &interval}
	if got := nextExpected(m, now); got == nil || !got.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("interval next = %v, want %v", got, now.Add(5*time.Minute))
	}

	expr := "0 * * * *"
	m = &domain.Monitor{CronExpr: &expr}
	want := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	if got := nextExpected(m, now); got == nil || !got.Equal(want) {
		t.Fatalf("cron next = %v, want %v", got, want)
	}

	if got := nextExpected(&domain.Monitor{}, now); got != nil {
		t.Fatalf("schedule-less monitor next = %v, want nil", got)
	}
}
