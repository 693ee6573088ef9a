package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/repository"
	"github.com/gautema/runlater/internal/transport/http/handler"
	"github.com/gautema/runlater/internal/urlguard"
	"github.com/gautema/runlater/internal/usecase"
)

const testOrgID = "org-1"

func init() {
	gin.SetMode(gin.TestMode)
}

// ---- fakes ----

type fakeTaskRepo struct {
	create     func(ctx context.Context, t *domain.Task) (*domain.Task, error)
	getByID    func(ctx context.Context, taskID, orgID string) (*domain.Task, error)
	list       func(ctx context.Context, input repository.ListTasksInput) ([]*domain.Task, error)
	update     func(ctx context.Context, t *domain.Task) (*domain.Task, error)
	softDelete func(ctx context.Context, taskID, orgID string) error
}

func (r *fakeTaskRepo) Create(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	return r.create(ctx, t)
}

func (r *fakeTaskRepo) GetByID(ctx context.Context, taskID, orgID string) (*domain.Task, error) {
	return r.getByID(ctx, taskID, orgID)
}

func (r *fakeTaskRepo) List(ctx context.Context, input repository.ListTasksInput) ([]*domain.Task, error) {
	return r.list(ctx, input)
}

func (r *fakeTaskRepo) Update(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	return r.update(ctx, t)
}

func (r *fakeTaskRepo) SoftDelete(ctx context.Context, taskID, orgID string) error {
	return r.softDelete(ctx, taskID, orgID)
}

type fakeExecStore struct {
	create func(ctx context.Context, e *domain.Execution) (*domain.Execution, error)
}

func (s *fakeExecStore) Create(ctx context.Context, e *domain.Execution) (*domain.Execution, error) {
	if s.create == nil {
		return e, nil
	}
	return s.create(ctx, e)
}

func (s *fakeExecStore) GetByID(_ context.Context, _, _ string) (*domain.Execution, error) {
	return nil, domain.ErrExecutionNotFound
}

func (s *fakeExecStore) List(_ context.Context, _ repository.ListExecutionsInput) ([]*domain.Execution, error) {
	return nil, nil
}

type fakeOrgRepo struct {
	org *domain.Organization
}

func (r *fakeOrgRepo) Upsert(_ context.Context, org *domain.Organization) (*domain.Organization, error) {
	return org, nil
}

func (r *fakeOrgRepo) GetByID(_ context.Context, _ string) (*domain.Organization, error) {
	return r.org, nil
}

func (r *fakeOrgRepo) UpdateNotifySettings(_ context.Context, _ string, _, _ *string) error {
	return nil
}

type fakeIdemRepo struct{}

func (r *fakeIdemRepo) Get(_ context.Context, _, _ string) (string, bool, error) {
	return "", false, nil
}

func (r *fakeIdemRepo) Put(_ context.Context, _, _, _ string) error { return nil }

type fakeAuditRepo struct{}

func (r *fakeAuditRepo) Record(_ context.Context, _ *domain.AuditLog) error { return nil }

func (r *fakeAuditRepo) List(_ context.Context, _ string, _ int) ([]*domain.AuditLog, error) {
	return nil, nil
}

// ---- helpers ----

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func testGuard() *urlguard.Guard {
	return urlguard.NewWithLookup(func(_ context.Context, _ string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
	})
}

func newTaskUsecase(tasks *fakeTaskRepo, execs *fakeExecStore, org *domain.Organization) *usecase.TaskUsecase {
	if execs == nil {
		execs = &fakeExecStore{}
	}
	if org == nil {
		org = &domain.Organization{ID: testOrgID, Tier: domain.TierPro}
	}
	return usecase.NewTaskUsecase(tasks, execs, &fakeOrgRepo{org: org},
		&fakeIdemRepo{}, &fakeAuditRepo{}, testGuard(), testLogger())
}

// taskEngine mounts the handler behind a stub that injects the org the
// way the auth middleware would.
func taskEngine(uc *usecase.TaskUsecase) *gin.Engine {
	h := handler.NewTaskHandler(uc, testLogger())
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("orgID", testOrgID) })
	r.POST("/tasks", h.Create)
	r.GET("/tasks", h.List)
	r.GET("/tasks/:id", h.GetByID)
	r.DELETE("/tasks/:id", h.Delete)
	r.POST("/tasks/:id/run", h.RunNow)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return m
}

// ---- tests ----

func TestCreateTask_ValidCron_Returns201(t *testing.T) {
	uc := newTaskUsecase(&fakeTaskRepo{
		create: func(_ context.Context, task *domain.Task) (*domain.Task, error) { return task, nil },
	}, nil, nil)

	w := doJSON(t, taskEngine(uc), http.MethodPost, "/tasks", gin.H{
		"name":          "report",
		"url":           "https://example.com/hook",
		"schedule_type": "cron",
		"cron_expr":     "*/5 * * * *",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["id"] == nil || body["id"] == "" {
		t.Error("missing id in response")
	}
	if body["schedule_type"] != "cron" {
		t.Errorf("schedule_type = %v, want cron", body["schedule_type"])
	}
	if body["next_run_at"] == nil {
		t.Error("next_run_at not set for cron task")
	}
}

func TestCreateTask_InvalidCron_Returns400(t *testing.T) {
	uc := newTaskUsecase(&fakeTaskRepo{}, nil, nil)

	w := doJSON(t, taskEngine(uc), http.MethodPost, "/tasks", gin.H{
		"name":          "report",
		"url":           "https://example.com/hook",
		"schedule_type": "cron",
		"cron_expr":     "not a cron",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "Invalid cron expression" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestCreateTask_MissingName_Returns400(t *testing.T) {
	uc := newTaskUsecase(&fakeTaskRepo{}, nil, nil)

	w := doJSON(t, taskEngine(uc), http.MethodPost, "/tasks", gin.H{
		"url":           "https://example.com/hook",
		"schedule_type": "once",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCreateTask_FreeTierTightCron_Returns400(t *testing.T) {
	uc := newTaskUsecase(&fakeTaskRepo{}, nil,
		&domain.Organization{ID: testOrgID, Tier: domain.TierFree})

	w := doJSON(t, taskEngine(uc), http.MethodPost, "/tasks", gin.H{
		"name":          "report",
		"url":           "https://example.com/hook",
		"schedule_type": "cron",
		"cron_expr":     "*/5 * * * *",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "Cron interval below your plan's minimum" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestGetTask_NotFound_Returns404(t *testing.T) {
	uc := newTaskUsecase(&fakeTaskRepo{
		getByID: func(_ context.Context, _, _ string) (*domain.Task, error) {
			return nil, domain.ErrTaskNotFound
		},
	}, nil, nil)

	w := doJSON(t, taskEngine(uc), http.MethodGet, "/tasks/nope", nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "Task not found" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestListTasks_PaginatesWithCursor(t *testing.T) {
	now := time.Now()
	uc := newTaskUsecase(&fakeTaskRepo{
		list: func(_ context.Context, input repository.ListTasksInput) ([]*domain.Task, error) {
			// limit+1 rows back means there is a next page
			tasks := make([]*domain.Task, input.Limit)
			for i := range tasks {
				tasks[i] = &domain.Task{
					ID:           fmt.Sprintf("t-%d", i),
					Name:         "task",
					URL:          "https://example.com",
					Method:       "POST",
					ScheduleType: domain.ScheduleCron,
					CreatedAt:    now.Add(-time.Duration(i) * time.Minute),
				}
			}
			return tasks, nil
		},
	}, nil, nil)

	w := doJSON(t, taskEngine(uc), http.MethodGet, "/tasks?limit=2", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	items, ok := body["tasks"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("tasks = %v, want 2 items", body["tasks"])
	}
	if body["next_cursor"] == nil {
		t.Error("expected next_cursor for a full page")
	}
}

func TestDeleteTask_Returns204(t *testing.T) {
	var deleted string
	uc := newTaskUsecase(&fakeTaskRepo{
		softDelete: func(_ context.Context, taskID, _ string) error {
			deleted = taskID
			return nil
		},
	}, nil, nil)

	w := doJSON(t, taskEngine(uc), http.MethodDelete, "/tasks/t-1", nil)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if deleted != "t-1" {
		t.Errorf("deleted id = %q, want t-1", deleted)
	}
}

func TestRunNow_Returns202AndWakesWorkers(t *testing.T) {
	task := &domain.Task{ID: "t-1", OrganizationID: testOrgID, Name: "report"}
	uc := newTaskUsecase(&fakeTaskRepo{
		getByID: func(_ context.Context, _, _ string) (*domain.Task, error) { return task, nil },
	}, nil, nil)

	woke := false
	uc.WakeWorkers = func(context.Context) { woke = true }

	w := doJSON(t, taskEngine(uc), http.MethodPost, "/tasks/t-1/run", nil)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != string(domain.ExecutionPending) {
		t.Errorf("status = %v, want pending", body["status"])
	}
	if body["task_id"] != "t-1" {
		t.Errorf("task_id = %v, want t-1", body["task_id"])
	}
	if !woke {
		t.Error("run-now did not wake workers")
	}
}

func TestRunNow_OverQuota_Returns429(t *testing.T) {
	task := &domain.Task{ID: "t-1", OrganizationID: testOrgID}
	uc := newTaskUsecase(&fakeTaskRepo{
		getByID: func(_ context.Context, _, _ string) (*domain.Task, error) { return task, nil },
	}, nil, &domain.Organization{
		ID:                    testOrgID,
		Tier:                  domain.TierFree,
		MonthlyExecutionCount: domain.TierFree.MonthlyExecutionLimit(),
	})

	w := doJSON(t, taskEngine(uc), http.MethodPost, "/tasks/t-1/run", nil)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "Monthly execution quota exhausted" {
		t.Errorf("error = %v", body["error"])
	}
}
