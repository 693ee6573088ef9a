package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/usecase"
)

type TaskHandler struct {
	uc     *usecase.TaskUsecase
	logger *slog.Logger
}

func NewTaskHandler(uc *usecase.TaskUsecase, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{uc: uc, logger: logger.With("component", "task_handler")}
}

type createTaskRequest struct {
	Name           string            `json:"name"             binding:"required,max=256"`
	URL            string            `json:"url"              binding:"required,url,max=2048"`
	Method         string            `json:"method"           binding:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers        map[string]string `json:"headers"`
	Body           *string           `json:"body"`
	TimeoutSeconds int               `json:"timeout_seconds"  binding:"omitempty,min=1,max=120"`
	RetryAttempts  int               `json:"retry_attempts"   binding:"omitempty,min=0,max=10"`

	ScheduleType domain.ScheduleType `json:"schedule_type"    binding:"required,oneof=cron once"`
	CronExpr     string              `json:"cron_expr"`
	ScheduledAt  *time.Time          `json:"scheduled_at"`

	Queue       *string `json:"queue"        binding:"omitempty,max=64"`
	CallbackURL *string `json:"callback_url" binding:"omitempty,url,max=2048"`

	IdempotencyKey string `json:"idempotency_key" binding:"omitempty,max=255"`
}

type updateTaskRequest struct {
	Name           string            `json:"name"             binding:"required,max=256"`
	URL            string            `json:"url"              binding:"required,url,max=2048"`
	Method         string            `json:"method"           binding:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers        map[string]string `json:"headers"`
	Body           *string           `json:"body"`
	TimeoutSeconds int               `json:"timeout_seconds"  binding:"omitempty,min=1,max=120"`
	RetryAttempts  int               `json:"retry_attempts"   binding:"omitempty,min=0,max=10"`

	CronExpr    string     `json:"cron_expr"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	Enabled     bool       `json:"enabled"`

	Queue       *string `json:"queue"        binding:"omitempty,max=64"`
	CallbackURL *string `json:"callback_url" binding:"omitempty,url,max=2048"`
}

type taskResponse struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           *string           `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	RetryAttempts  int               `json:"retry_attempts"`

	ScheduleType domain.ScheduleType `json:"schedule_type"`
	CronExpr     *string             `json:"cron_expr,omitempty"`
	ScheduledAt  *time.Time          `json:"scheduled_at,omitempty"`

	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	Enabled         bool       `json:"enabled"`
	Queue           *string    `json:"queue,omitempty"`
	CallbackURL     *string    `json:"callback_url,omitempty"`
	LastExecutionAt *time.Time `json:"last_execution_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toTaskResponse(t *domain.Task) taskResponse {
	return taskResponse{
		ID:              t.ID,
		Name:            t.Name,
		URL:             t.URL,
		Method:          t.Method,
		Headers:         t.Headers,
		Body:            t.Body,
		TimeoutSeconds:  t.TimeoutSeconds,
		RetryAttempts:   t.RetryAttempts,
		ScheduleType:    t.ScheduleType,
		CronExpr:        t.CronExpr,
		ScheduledAt:     t.ScheduledAt,
		NextRunAt:       t.NextRunAt,
		Enabled:         t.Enabled,
		Queue:           t.Queue,
		CallbackURL:     t.CallbackURL,
		LastExecutionAt: t.LastExecutionAt,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

type executionResponse struct {
	ID           string                 `json:"id"`
	TaskID       string                 `json:"task_id"`
	Attempt      int                    `json:"attempt"`
	Status       domain.ExecutionStatus `json:"status"`
	ScheduledFor time.Time              `json:"scheduled_for"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty"`
	DurationMS   *int64                 `json:"duration_ms,omitempty"`
	StatusCode   *int                   `json:"status_code,omitempty"`
	ResponseBody *string                `json:"response_body,omitempty"`
	ErrorMessage *string                `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

func toExecutionResponse(e *domain.Execution) executionResponse {
	return executionResponse{
		ID:           e.ID,
		TaskID:       e.TaskID,
		Attempt:      e.Attempt,
		Status:       e.Status,
		ScheduledFor: e.ScheduledFor,
		StartedAt:    e.StartedAt,
		FinishedAt:   e.FinishedAt,
		DurationMS:   e.DurationMS,
		StatusCode:   e.StatusCode,
		ResponseBody: e.ResponseBody,
		ErrorMessage: e.ErrorMessage,
		CreatedAt:    e.CreatedAt,
	}
}

func (h *TaskHandler) Create(ctx *gin.Context) {
	var req createTaskRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.uc.CreateTask(ctx.Request.Context(), usecase.CreateTaskInput{
		OrganizationID: ctx.GetString("orgID"),
		IdempotencyKey: req.IdempotencyKey,
		Name:           req.Name,
		URL:            req.URL,
		Method:         req.Method,
		Headers:        req.Headers,
		Body:           req.Body,
		TimeoutSeconds: req.TimeoutSeconds,
		RetryAttempts:  req.RetryAttempts,
		ScheduleType:   req.ScheduleType,
		CronExpr:       req.CronExpr,
		ScheduledAt:    req.ScheduledAt,
		Queue:          req.Queue,
		CallbackURL:    req.CallbackURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidCronExpr):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCronExpr})
		case errors.Is(err, domain.ErrIntervalTooShort):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errIntervalTooShort})
		case errors.Is(err, domain.ErrBlockedURL):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errBlockedURL})
		case errors.Is(err, domain.ErrInvalidScheduleType):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidScheduleType})
		case errors.Is(err, domain.ErrMissingScheduledAt):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errMissingScheduledAt})
		default:
			h.logger.Error("create task", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusCreated, toTaskResponse(t))
}

func (h *TaskHandler) List(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	input := usecase.ListTasksInput{
		OrganizationID: ctx.GetString("orgID"),
		Cursor:         ctx.Query("cursor"),
		Limit:          limit,
	}
	if v := ctx.Query("enabled"); v != "" {
		enabled := v == "true"
		input.Enabled = &enabled
	}

	result, err := h.uc.ListTasks(ctx.Request.Context(), input)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCursor) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCursor})
			return
		}
		h.logger.Error("list tasks", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	items := make([]taskResponse, len(result.Tasks))
	for i, t := range result.Tasks {
		items[i] = toTaskResponse(t)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"tasks":       items,
		"next_cursor": result.NextCursor,
	})
}

func (h *TaskHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	t, err := h.uc.GetTask(ctx.Request.Context(), id, ctx.GetString("orgID"))
	if err != nil {
		h.respondTaskError(ctx, "get task", id, err)
		return
	}

	ctx.JSON(http.StatusOK, toTaskResponse(t))
}

func (h *TaskHandler) Update(ctx *gin.Context) {
	id := ctx.Param("id")

	var req updateTaskRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.uc.UpdateTask(ctx.Request.Context(), usecase.UpdateTaskInput{
		TaskID:         id,
		OrganizationID: ctx.GetString("orgID"),
		Name:           req.Name,
		URL:            req.URL,
		Method:         req.Method,
		Headers:        req.Headers,
		Body:           req.Body,
		TimeoutSeconds: req.TimeoutSeconds,
		RetryAttempts:  req.RetryAttempts,
		CronExpr:       req.CronExpr,
		ScheduledAt:    req.ScheduledAt,
		Enabled:        req.Enabled,
		Queue:          req.Queue,
		CallbackURL:    req.CallbackURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
		case errors.Is(err, domain.ErrInvalidCronExpr):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCronExpr})
		case errors.Is(err, domain.ErrIntervalTooShort):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errIntervalTooShort})
		case errors.Is(err, domain.ErrBlockedURL):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errBlockedURL})
		default:
			h.logger.Error("update task", "task_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusOK, toTaskResponse(t))
}

func (h *TaskHandler) Delete(ctx *gin.Context) {
	id := ctx.Param("id")

	if err := h.uc.DeleteTask(ctx.Request.Context(), id, ctx.GetString("orgID")); err != nil {
		h.respondTaskError(ctx, "delete task", id, err)
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *TaskHandler) Clone(ctx *gin.Context) {
	id := ctx.Param("id")

	t, err := h.uc.CloneTask(ctx.Request.Context(), id, ctx.GetString("orgID"))
	if err != nil {
		h.respondTaskError(ctx, "clone task", id, err)
		return
	}

	ctx.JSON(http.StatusCreated, toTaskResponse(t))
}

func (h *TaskHandler) RunNow(ctx *gin.Context) {
	id := ctx.Param("id")

	e, err := h.uc.RunNow(ctx.Request.Context(), id, ctx.GetString("orgID"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
		case errors.Is(err, domain.ErrOverQuota):
			ctx.JSON(http.StatusTooManyRequests, gin.H{"error": errOverQuota})
		default:
			h.logger.Error("run task now", "task_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusAccepted, toExecutionResponse(e))
}

func (h *TaskHandler) ListExecutions(ctx *gin.Context) {
	id := ctx.Param("id")
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	result, err := h.uc.ListExecutions(ctx.Request.Context(), usecase.ListExecutionsInput{
		OrganizationID: ctx.GetString("orgID"),
		TaskID:         id,
		Status:         domain.ExecutionStatus(ctx.Query("status")),
		Cursor:         ctx.Query("cursor"),
		Limit:          limit,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
		case errors.Is(err, domain.ErrInvalidStatus):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidStatus})
		case errors.Is(err, domain.ErrInvalidCursor):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCursor})
		default:
			h.logger.Error("list task executions", "task_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	items := make([]executionResponse, len(result.Executions))
	for i, e := range result.Executions {
		items[i] = toExecutionResponse(e)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"executions":  items,
		"next_cursor": result.NextCursor,
	})
}

func (h *TaskHandler) respondTaskError(ctx *gin.Context, op, id string, err error) {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
	default:
		h.logger.Error(op, "task_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
	}
}
