package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/gautema/runlater/internal/cronx"
	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/repository"
	"github.com/gautema/runlater/internal/urlguard"
)

const (
	defaultTimeoutSeconds = 30
	maxTimeoutSeconds     = 120
	defaultRetryAttempts  = 3
	maxRetryAttempts      = 10
)

// executionStore is the slice of the execution repository the API needs:
// run-now inserts, detail reads and history listings. Claiming and
// finishing belong to the workers.
type executionStore interface {
	Create(ctx context.Context, e *domain.Execution) (*domain.Execution, error)
	GetByID(ctx context.Context, executionID, orgID string) (*domain.Execution, error)
	List(ctx context.Context, input repository.ListExecutionsInput) ([]*domain.Execution, error)
}

type TaskUsecase struct {
	tasks  repository.TaskRepository
	execs  executionStore
	orgs   repository.OrganizationRepository
	idem   repository.IdempotencyRepository
	audit  repository.AuditRepository
	guard  *urlguard.Guard
	logger *slog.Logger

	// WakeWorkers broadcasts after run-now committed a pending execution.
	// WakeScheduler broadcasts after a write armed or moved next_run_at,
	// so a due time inside the current tick is not left waiting for the
	// next one.
	WakeWorkers   func(context.Context)
	WakeScheduler func(context.Context)
}

func NewTaskUsecase(
	tasks repository.TaskRepository,
	execs executionStore,
	orgs repository.OrganizationRepository,
	idem repository.IdempotencyRepository,
	audit repository.AuditRepository,
	guard *urlguard.Guard,
	logger *slog.Logger,
) *TaskUsecase {
	return &TaskUsecase{
		tasks:  tasks,
		execs:  execs,
		orgs:   orgs,
		idem:   idem,
		audit:  audit,
		guard:  guard,
		logger: logger.With("component", "tasks"),
	}
}

type CreateTaskInput struct {
	OrganizationID string
	IdempotencyKey string

	Name           string
	URL            string
	Method         string
	Headers        map[string]string
	Body           *string
	TimeoutSeconds int
	RetryAttempts  int

	ScheduleType domain.ScheduleType
	CronExpr     string
	ScheduledAt  *time.Time

	Queue       *string
	CallbackURL *string
}

// CreateTask validates and persists a new task. With an idempotency key, a
// repeated create returns the task the key was first bound to instead of a
// duplicate.
func (u *TaskUsecase) CreateTask(ctx context.Context, input CreateTaskInput) (*domain.Task, error) {
	if input.IdempotencyKey != "" {
		taskID, ok, err := u.idem.Get(ctx, input.OrganizationID, input.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if ok {
			return u.tasks.GetByID(ctx, taskID, input.OrganizationID)
		}
	}

	if err := u.guard.ValidateURL(ctx, input.URL); err != nil {
		return nil, err
	}
	if input.CallbackURL != nil && *input.CallbackURL != "" {
		if err := u.guard.ValidateURL(ctx, *input.CallbackURL); err != nil {
			return nil, err
		}
	}

	if input.Headers == nil {
		input.Headers = make(map[string]string)
	}
	if input.Method == "" {
		input.Method = http.MethodPost
	}
	input.Method = strings.ToUpper(input.Method)
	if input.TimeoutSeconds <= 0 {
		input.TimeoutSeconds = defaultTimeoutSeconds
	}
	if input.TimeoutSeconds > maxTimeoutSeconds {
		input.TimeoutSeconds = maxTimeoutSeconds
	}
	if input.RetryAttempts == 0 {
		input.RetryAttempts = defaultRetryAttempts
	}
	if input.RetryAttempts < 0 {
		input.RetryAttempts = 0
	}
	if input.RetryAttempts > maxRetryAttempts {
		input.RetryAttempts = maxRetryAttempts
	}

	now := time.Now()
	task := &domain.Task{
		ID:             domain.NewID(),
		OrganizationID: input.OrganizationID,
		Name:           input.Name,
		URL:            input.URL,
		Method:         input.Method,
		Headers:        input.Headers,
		Body:           input.Body,
		TimeoutSeconds: input.TimeoutSeconds,
		RetryAttempts:  input.RetryAttempts,
		ScheduleType:   input.ScheduleType,
		Enabled:        true,
		Queue:          input.Queue,
		CallbackURL:    input.CallbackURL,
	}

	switch input.ScheduleType {
	case domain.ScheduleCron:
		sched, err := cronx.Parse(input.CronExpr)
		if err != nil {
			return nil, err
		}
		org, err := u.orgs.GetByID(ctx, input.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("load organization: %w", err)
		}
		interval := cronx.DeriveIntervalMinutes(sched, now)
		if interval < org.Tier.MinCronIntervalMinutes() {
			return nil, domain.ErrIntervalTooShort
		}
		next := sched.Next(now)
		task.CronExpr = &input.CronExpr
		task.IntervalMinutes = &interval
		task.NextRunAt = &next
	case domain.ScheduleOnce:
		if input.ScheduledAt == nil {
			return nil, domain.ErrMissingScheduledAt
		}
		next := *input.ScheduledAt
		if next.Before(now) {
			// A past scheduled_at fires on the next tick rather than
			// backfilling behind the task's own creation.
			next = now
		}
		task.ScheduledAt = input.ScheduledAt
		task.NextRunAt = &next
	default:
		return nil, domain.ErrInvalidScheduleType
	}

	created, err := u.tasks.Create(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if input.IdempotencyKey != "" {
		if err := u.idem.Put(ctx, input.OrganizationID, input.IdempotencyKey, created.ID); err != nil {
			return nil, fmt.Errorf("store idempotency key: %w", err)
		}
	}

	if created.NextRunAt != nil && u.WakeScheduler != nil {
		u.WakeScheduler(ctx)
	}

	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: created.OrganizationID,
		Action:         "task.create",
		TargetType:     "task",
		TargetID:       created.ID,
		Detail:         map[string]string{"name": created.Name},
	})
	return created, nil
}

func (u *TaskUsecase) GetTask(ctx context.Context, taskID, orgID string) (*domain.Task, error) {
	t, err := u.tasks.GetByID(ctx, taskID, orgID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

type ListTasksInput struct {
	OrganizationID string
	Enabled        *bool
	Cursor         string
	Limit          int
}

type ListTasksResult struct {
	Tasks      []*domain.Task
	NextCursor *string
}

func (u *TaskUsecase) ListTasks(ctx context.Context, input ListTasksInput) (ListTasksResult, error) {
	limit := pageLimit(input.Limit)

	repoInput := repository.ListTasksInput{
		OrganizationID: input.OrganizationID,
		Enabled:        input.Enabled,
		Limit:          limit + 1,
	}
	if input.Cursor != "" {
		t, id, err := decodeCursor(input.Cursor)
		if err != nil {
			return ListTasksResult{}, err
		}
		repoInput.CursorTime = t
		repoInput.CursorID = id
	}

	tasks, err := u.tasks.List(ctx, repoInput)
	if err != nil {
		return ListTasksResult{}, fmt.Errorf("list tasks: %w", err)
	}

	var next *string
	if len(tasks) > limit {
		tasks = tasks[:limit]
		c := encodeCursor(tasks[limit-1].CreatedAt, tasks[limit-1].ID)
		next = &c
	}
	return ListTasksResult{Tasks: tasks, NextCursor: next}, nil
}

type UpdateTaskInput struct {
	TaskID         string
	OrganizationID string

	Name           string
	URL            string
	Method         string
	Headers        map[string]string
	Body           *string
	TimeoutSeconds int
	RetryAttempts  int

	CronExpr    string     // cron tasks only
	ScheduledAt *time.Time // once tasks; nil keeps the stored time
	Enabled     bool

	Queue       *string
	CallbackURL *string
}

// UpdateTask replaces the task's mutable fields. The schedule type is
// fixed at creation. Cron tasks revalidate the expression and recompute
// next_run_at from now; once tasks re-arm only when a new scheduled_at is
// supplied. Disabling always clears next_run_at.
func (u *TaskUsecase) UpdateTask(ctx context.Context, input UpdateTaskInput) (*domain.Task, error) {
	existing, err := u.tasks.GetByID(ctx, input.TaskID, input.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	if err := u.guard.ValidateURL(ctx, input.URL); err != nil {
		return nil, err
	}
	if input.CallbackURL != nil && *input.CallbackURL != "" {
		if err := u.guard.ValidateURL(ctx, *input.CallbackURL); err != nil {
			return nil, err
		}
	}

	if input.Headers == nil {
		input.Headers = make(map[string]string)
	}
	if input.Method == "" {
		input.Method = http.MethodPost
	}
	input.Method = strings.ToUpper(input.Method)
	if input.TimeoutSeconds <= 0 {
		input.TimeoutSeconds = defaultTimeoutSeconds
	}
	if input.TimeoutSeconds > maxTimeoutSeconds {
		input.TimeoutSeconds = maxTimeoutSeconds
	}
	if input.RetryAttempts == 0 {
		input.RetryAttempts = defaultRetryAttempts
	}
	if input.RetryAttempts < 0 {
		input.RetryAttempts = 0
	}
	if input.RetryAttempts > maxRetryAttempts {
		input.RetryAttempts = maxRetryAttempts
	}

	now := time.Now()
	task := &domain.Task{
		ID:             existing.ID,
		OrganizationID: existing.OrganizationID,
		Name:           input.Name,
		URL:            input.URL,
		Method:         input.Method,
		Headers:        input.Headers,
		Body:           input.Body,
		TimeoutSeconds: input.TimeoutSeconds,
		RetryAttempts:  input.RetryAttempts,
		ScheduleType:   existing.ScheduleType,
		Enabled:        input.Enabled,
		Queue:          input.Queue,
		CallbackURL:    input.CallbackURL,
	}

	switch existing.ScheduleType {
	case domain.ScheduleCron:
		sched, err := cronx.Parse(input.CronExpr)
		if err != nil {
			return nil, err
		}
		org, err := u.orgs.GetByID(ctx, input.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("load organization: %w", err)
		}
		interval := cronx.DeriveIntervalMinutes(sched, now)
		if interval < org.Tier.MinCronIntervalMinutes() {
			return nil, domain.ErrIntervalTooShort
		}
		task.CronExpr = &input.CronExpr
		task.IntervalMinutes = &interval
		if input.Enabled {
			next := sched.Next(now)
			task.NextRunAt = &next
		}
	case domain.ScheduleOnce:
		task.ScheduledAt = existing.ScheduledAt
		if input.ScheduledAt != nil {
			task.ScheduledAt = input.ScheduledAt
		}
		switch {
		case !input.Enabled:
			// next_run_at stays nil
		case input.ScheduledAt != nil:
			// An explicit new time re-arms the task, including one
			// that already ran.
			next := *input.ScheduledAt
			if next.Before(now) {
				next = now
			}
			task.NextRunAt = &next
		default:
			task.NextRunAt = existing.NextRunAt
		}
	}

	updated, err := u.tasks.Update(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	if updated.NextRunAt != nil && u.WakeScheduler != nil {
		u.WakeScheduler(ctx)
	}

	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: updated.OrganizationID,
		Action:         "task.update",
		TargetType:     "task",
		TargetID:       updated.ID,
		Detail:         map[string]string{"name": updated.Name},
	})
	return updated, nil
}

// CloneTask copies a task under a new id. The copy starts disabled with no
// next_run_at; enabling it through UpdateTask arms the schedule.
func (u *TaskUsecase) CloneTask(ctx context.Context, taskID, orgID string) (*domain.Task, error) {
	src, err := u.tasks.GetByID(ctx, taskID, orgID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	clone := &domain.Task{
		ID:              domain.NewID(),
		OrganizationID:  src.OrganizationID,
		Name:            src.Name + " (copy)",
		URL:             src.URL,
		Method:          src.Method,
		Headers:         maps.Clone(src.Headers),
		Body:            src.Body,
		TimeoutSeconds:  src.TimeoutSeconds,
		RetryAttempts:   src.RetryAttempts,
		ScheduleType:    src.ScheduleType,
		CronExpr:        src.CronExpr,
		IntervalMinutes: src.IntervalMinutes,
		ScheduledAt:     src.ScheduledAt,
		Enabled:         false,
		Queue:           src.Queue,
		CallbackURL:     src.CallbackURL,
	}

	created, err := u.tasks.Create(ctx, clone)
	if err != nil {
		return nil, fmt.Errorf("clone task: %w", err)
	}

	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: orgID,
		Action:         "task.clone",
		TargetType:     "task",
		TargetID:       created.ID,
		Detail:         map[string]string{"source_task_id": src.ID},
	})
	return created, nil
}

// RunNow queues one immediate execution for the task without touching its
// schedule. The run counts against the monthly quota like any scheduled
// fire.
func (u *TaskUsecase) RunNow(ctx context.Context, taskID, orgID string) (*domain.Execution, error) {
	task, err := u.tasks.GetByID(ctx, taskID, orgID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	org, err := u.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	if org.MonthlyExecutionCount >= org.Tier.MonthlyExecutionLimit() {
		return nil, domain.ErrOverQuota
	}

	exec := &domain.Execution{
		ID:             domain.NewID(),
		TaskID:         task.ID,
		OrganizationID: task.OrganizationID,
		Attempt:        1,
		Status:         domain.ExecutionPending,
		ScheduledFor:   time.Now(),
	}
	created, err := u.execs.Create(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	if u.WakeWorkers != nil {
		u.WakeWorkers(ctx)
	}

	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: orgID,
		Action:         "task.run_now",
		TargetType:     "execution",
		TargetID:       created.ID,
		Detail:         map[string]string{"task_id": task.ID},
	})
	return created, nil
}

// DeleteTask soft-deletes the task and cancels its pending executions.
func (u *TaskUsecase) DeleteTask(ctx context.Context, taskID, orgID string) error {
	if err := u.tasks.SoftDelete(ctx, taskID, orgID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	recordAudit(ctx, u.audit, u.logger, &domain.AuditLog{
		OrganizationID: orgID,
		Action:         "task.delete",
		TargetType:     "task",
		TargetID:       taskID,
	})
	return nil
}

type ListExecutionsInput struct {
	OrganizationID string
	TaskID         string // optional; narrows to one task
	Status         domain.ExecutionStatus
	Cursor         string
	Limit          int
}

type ListExecutionsResult struct {
	Executions []*domain.Execution
	NextCursor *string
}

func (u *TaskUsecase) ListExecutions(ctx context.Context, input ListExecutionsInput) (ListExecutionsResult, error) {
	if input.TaskID != "" {
		// Verify ownership before exposing execution history.
		if _, err := u.tasks.GetByID(ctx, input.TaskID, input.OrganizationID); err != nil {
			return ListExecutionsResult{}, fmt.Errorf("get task: %w", err)
		}
	}
	switch input.Status {
	case "", domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionSuccess,
		domain.ExecutionFailed, domain.ExecutionTimeout, domain.ExecutionMissed:
	default:
		return ListExecutionsResult{}, domain.ErrInvalidStatus
	}

	limit := pageLimit(input.Limit)
	repoInput := repository.ListExecutionsInput{
		OrganizationID: input.OrganizationID,
		TaskID:         input.TaskID,
		Status:         input.Status,
		Limit:          limit + 1,
	}
	if input.Cursor != "" {
		t, id, err := decodeCursor(input.Cursor)
		if err != nil {
			return ListExecutionsResult{}, err
		}
		repoInput.CursorTime = t
		repoInput.CursorID = id
	}

	execs, err := u.execs.List(ctx, repoInput)
	if err != nil {
		return ListExecutionsResult{}, fmt.Errorf("list executions: %w", err)
	}

	var next *string
	if len(execs) > limit {
		execs = execs[:limit]
		c := encodeCursor(execs[limit-1].ScheduledFor, execs[limit-1].ID)
		next = &c
	}
	return ListExecutionsResult{Executions: execs, NextCursor: next}, nil
}

func (u *TaskUsecase) GetExecution(ctx context.Context, executionID, orgID string) (*domain.Execution, error) {
	e, err := u.execs.GetByID(ctx, executionID, orgID)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}
