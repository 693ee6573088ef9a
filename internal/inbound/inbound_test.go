package inbound

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/repository"
)

type fakeEndpoints struct {
	getBySlug func(ctx context.Context, slug string) (*domain.Endpoint, error)
	receive   func(ctx context.Context, event *domain.InboundEvent, forwards []*domain.Task, now time.Time) (*domain.InboundEvent, error)
	replay    func(ctx context.Context, eventID, orgID string, now time.Time) (int, error)
}

func (f *fakeEndpoints) Create(_ context.Context, e *domain.Endpoint) (*domain.Endpoint, error) {
	return e, nil
}

func (f *fakeEndpoints) GetByID(context.Context, string, string) (*domain.Endpoint, error) {
	return nil, domain.ErrEndpointNotFound
}

func (f *fakeEndpoints) GetBySlug(ctx context.Context, slug string) (*domain.Endpoint, error) {
	return f.getBySlug(ctx, slug)
}

func (f *fakeEndpoints) List(context.Context, repository.ListEndpointsInput) ([]*domain.Endpoint, error) {
	return nil, nil
}

func (f *fakeEndpoints) Update(_ context.Context, e *domain.Endpoint) (*domain.Endpoint, error) {
	return e, nil
}

func (f *fakeEndpoints) Delete(context.Context, string, string) error { return nil }

func (f *fakeEndpoints) Receive(ctx context.Context, event *domain.InboundEvent, forwards []*domain.Task, now time.Time) (*domain.InboundEvent, error) {
	if f.receive == nil {
		return event, nil
	}
	return f.receive(ctx, event, forwards, now)
}

func (f *fakeEndpoints) GetEvent(context.Context, string, string) (*domain.InboundEvent, error) {
	return nil, domain.ErrInboundEventNotFound
}

func (f *fakeEndpoints) ListEvents(context.Context, repository.ListInboundEventsInput) ([]*domain.InboundEvent, error) {
	return nil, nil
}

func (f *fakeEndpoints) Replay(ctx context.Context, eventID, orgID string, now time.Time) (int, error) {
	if f.replay == nil {
		return 0, nil
	}
	return f.replay(ctx, eventID, orgID, now)
}

func testEndpoint() *domain.Endpoint {
	return &domain.Endpoint{
		ID:             "ep-1",
		OrganizationID: "org-1",
		Name:           "github events",
		Slug:           "gh-hooks",
		ForwardURLs:    []string{"https://a.example.com/hook", "https://b.example.com/hook"},
		RetryAttempts:  2,
		Enabled:        true,
	}
}

func testService(eps repository.EndpointRepository) *Service {
	return New(eps, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestReceive_FansOutPerForwardURL(t *testing.T) {
	ep := testEndpoint()

	var gotForwards []*domain.Task
	var gotEvent *domain.InboundEvent
	eps := &fakeEndpoints{
		getBySlug: func(_ context.Context, slug string) (*domain.Endpoint, error) {
			if slug != "gh-hooks" {
				t.Fatalf("looked up slug %q", slug)
			}
			return ep, nil
		},
		receive: func(_ context.Context, event *domain.InboundEvent, forwards []*domain.Task, _ time.Time) (*domain.InboundEvent, error) {
			gotEvent, gotForwards = event, forwards
			return event, nil
		},
	}
	s := testService(eps)
	woke := false
	s.WakeWorkers = func(context.Context) { woke = true }

	_, err := s.Receive(context.Background(), "gh-hooks", Request{
		Method:   http.MethodPost,
		Headers:  map[string]string{"Content-Type": "application/json", "Connection": "keep-alive"},
		Body:     []byte(`{"action":"push"}`),
		SourceIP: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(gotForwards) != 2 {
		t.Fatalf("created %d forward tasks, want 2", len(gotForwards))
	}
	for i, task := range gotForwards {
		if task.URL != ep.ForwardURLs[i] {
			t.Fatalf("forward %d targets %q, want %q", i, task.URL, ep.ForwardURLs[i])
		}
		if task.ScheduleType != domain.ScheduleOnce {
			t.Fatalf("forward task schedule type = %q", task.ScheduleType)
		}
		if task.NextRunAt != nil {
			t.Fatal("forward task has next_run_at set; the scheduler would double-fire it")
		}
		if task.RetryAttempts != ep.RetryAttempts {
			t.Fatalf("retry attempts = %d, want %d from the endpoint", task.RetryAttempts, ep.RetryAttempts)
		}
		if _, ok := task.Headers["Connection"]; ok {
			t.Fatal("hop-by-hop header forwarded")
		}
		if task.Headers["Content-Type"] != "application/json" {
			t.Fatalf("content type lost: %v", task.Headers)
		}
	}
	if gotEvent.SourceIP != "203.0.113.9" || gotEvent.Method != http.MethodPost {
		t.Fatalf("event = %+v", gotEvent)
	}
	if !woke {
		t.Fatal("workers were not woken")
	}
}

func TestReceive_UnknownSlug(t *testing.T) {
	eps := &fakeEndpoints{
		getBySlug: func(context.Context, string) (*domain.Endpoint, error) {
			return nil, domain.ErrEndpointNotFound
		},
	}
	s := testService(eps)
	s.WakeWorkers = func(context.Context) { t.Fatal("woke workers for unknown slug") }

	_, err := s.Receive(context.Background(), "nope", Request{Method: http.MethodPost})
	if !errors.Is(err, domain.ErrEndpointNotFound) {
		t.Fatalf("err = %v, want ErrEndpointNotFound", err)
	}
}

func TestReceive_DisabledEndpoint(t *testing.T) {
	ep := testEndpoint()
	ep.Enabled = false
	eps := &fakeEndpoints{
		getBySlug: func(context.Context, string) (*domain.Endpoint, error) { return ep, nil },
		receive: func(context.Context, *domain.InboundEvent, []*domain.Task, time.Time) (*domain.InboundEvent, error) {
			t.Fatal("disabled endpoint recorded an event")
			return nil, nil
		},
	}

	_, err := testService(eps).Receive(context.Background(), "gh-hooks", Request{Method: http.MethodPost})
	if !errors.Is(err, domain.ErrEndpointDisabled) {
		t.Fatalf("err = %v, want ErrEndpointDisabled", err)
	}
}

func TestReceive_NoForwardsStillRecordsWithoutWake(t *testing.T) {
	ep := testEndpoint()
	ep.ForwardURLs = nil
	recorded := false
	eps := &fakeEndpoints{
		getBySlug: func(context.Context, string) (*domain.Endpoint, error) { return ep, nil },
		receive: func(_ context.Context, event *domain.InboundEvent, forwards []*domain.Task, _ time.Time) (*domain.InboundEvent, error) {
			recorded = true
			if len(forwards) != 0 {
				t.Fatalf("forwards = %d, want none", len(forwards))
			}
			return event, nil
		},
	}
	s := testService(eps)
	s.WakeWorkers = func(context.Context) { t.Fatal("woke workers with no executions created") }

	if _, err := s.Receive(context.Background(), "gh-hooks", Request{Method: http.MethodPost}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !recorded {
		t.Fatal("event was not recorded")
	}
}

func TestReplay_WakesWorkers(t *testing.T) {
	eps := &fakeEndpoints{
		replay: func(context.Context, string, string, time.Time) (int, error) { return 2, nil },
	}
	s := testService(eps)
	woke := false
	s.WakeWorkers = func(context.Context) { woke = true }

	created, err := s.Replay(context.Background(), "evt-1", "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}
	if !woke {
		t.Fatal("workers were not woken after replay")
	}
}

func TestReplay_PurgedTaskFails(t *testing.T) {
	eps := &fakeEndpoints{
		replay: func(context.Context, string, string, time.Time) (int, error) {
			return 0, domain.ErrForwardTaskDeleted
		},
	}
	s := testService(eps)
	s.WakeWorkers = func(context.Context) { t.Fatal("woke workers on failed replay") }

	_, err := s.Replay(context.Background(), "evt-1", "org-1")
	if !errors.Is(err, domain.ErrForwardTaskDeleted) {
		t.Fatalf("err = %v, want ErrForwardTaskDeleted", err)
	}
}
