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

type MonitorHandler struct {
	uc     *usecase.MonitorUsecase
	logger *slog.Logger
}

func NewMonitorHandler(uc *usecase.MonitorUsecase, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{uc: uc, logger: logger.With("component", "monitor_handler")}
}

type createMonitorRequest struct {
	Name               string  `json:"name"                 binding:"required,max=256"`
	IntervalSeconds    *int    `json:"interval_seconds"     binding:"omitempty,min=10"`
	CronExpr           *string `json:"cron_expr"`
	GracePeriodSeconds int     `json:"grace_period_seconds" binding:"omitempty,min=1,max=86400"`
}

type updateMonitorRequest struct {
	Name               string  `json:"name"                 binding:"required,max=256"`
	IntervalSeconds    *int    `json:"interval_seconds"     binding:"omitempty,min=10"`
	CronExpr           *string `json:"cron_expr"`
	GracePeriodSeconds int     `json:"grace_period_seconds" binding:"omitempty,min=1,max=86400"`
	Enabled            bool    `json:"enabled"`
}

type monitorResponse struct {
	ID                 string               `json:"id"`
	Name               string               `json:"name"`
	Token              string               `json:"token"`
	IntervalSeconds    *int                 `json:"interval_seconds,omitempty"`
	CronExpr           *string              `json:"cron_expr,omitempty"`
	GracePeriodSeconds int                  `json:"grace_period_seconds"`
	Status             domain.MonitorStatus `json:"status"`
	Enabled            bool                 `json:"enabled"`
	LastPingAt         *time.Time           `json:"last_ping_at,omitempty"`
	NextExpectedAt     *time.Time           `json:"next_expected_at,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

func toMonitorResponse(m *domain.Monitor) monitorResponse {
	return monitorResponse{
		ID:                 m.ID,
		Name:               m.Name,
		Token:              m.Token,
		IntervalSeconds:    m.IntervalSeconds,
		CronExpr:           m.CronExpr,
		GracePeriodSeconds: m.GracePeriodSeconds,
		Status:             m.Status,
		Enabled:            m.Enabled,
		LastPingAt:         m.LastPingAt,
		NextExpectedAt:     m.NextExpectedAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

type monitorPingResponse struct {
	ID                      string    `json:"id"`
	ExpectedIntervalSeconds int       `json:"expected_interval_seconds"`
	SourceIP                string    `json:"source_ip"`
	ReceivedAt              time.Time `json:"received_at"`
}

func (h *MonitorHandler) Create(ctx *gin.Context) {
	var req createMonitorRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.uc.CreateMonitor(ctx.Request.Context(), usecase.CreateMonitorInput{
		OrganizationID:     ctx.GetString("orgID"),
		Name:               req.Name,
		IntervalSeconds:    req.IntervalSeconds,
		CronExpr:           req.CronExpr,
		GracePeriodSeconds: req.GracePeriodSeconds,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidMonitorSchedule):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidMonitorSchedule})
		case errors.Is(err, domain.ErrInvalidCronExpr):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCronExpr})
		default:
			h.logger.Error("create monitor", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusCreated, toMonitorResponse(m))
}

func (h *MonitorHandler) List(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	result, err := h.uc.ListMonitors(ctx.Request.Context(), usecase.ListMonitorsInput{
		OrganizationID: ctx.GetString("orgID"),
		Cursor:         ctx.Query("cursor"),
		Limit:          limit,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCursor) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCursor})
			return
		}
		h.logger.Error("list monitors", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	items := make([]monitorResponse, len(result.Monitors))
	for i, m := range result.Monitors {
		items[i] = toMonitorResponse(m)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"monitors":    items,
		"next_cursor": result.NextCursor,
	})
}

func (h *MonitorHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	m, err := h.uc.GetMonitor(ctx.Request.Context(), id, ctx.GetString("orgID"))
	if err != nil {
		h.respondMonitorError(ctx, "get monitor", id, err)
		return
	}

	ctx.JSON(http.StatusOK, toMonitorResponse(m))
}

func (h *MonitorHandler) Update(ctx *gin.Context) {
	id := ctx.Param("id")

	var req updateMonitorRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.uc.UpdateMonitor(ctx.Request.Context(), usecase.UpdateMonitorInput{
		MonitorID:          id,
		OrganizationID:     ctx.GetString("orgID"),
		Name:               req.Name,
		IntervalSeconds:    req.IntervalSeconds,
		CronExpr:           req.CronExpr,
		GracePeriodSeconds: req.GracePeriodSeconds,
		Enabled:            req.Enabled,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMonitorNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errMonitorNotFound})
		case errors.Is(err, domain.ErrInvalidMonitorSchedule):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidMonitorSchedule})
		case errors.Is(err, domain.ErrInvalidCronExpr):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCronExpr})
		default:
			h.logger.Error("update monitor", "monitor_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusOK, toMonitorResponse(m))
}

func (h *MonitorHandler) Pause(ctx *gin.Context) {
	id := ctx.Param("id")

	m, err := h.uc.PauseMonitor(ctx.Request.Context(), id, ctx.GetString("orgID"))
	if err != nil {
		h.respondMonitorError(ctx, "pause monitor", id, err)
		return
	}

	ctx.JSON(http.StatusOK, toMonitorResponse(m))
}

func (h *MonitorHandler) Resume(ctx *gin.Context) {
	id := ctx.Param("id")

	m, err := h.uc.ResumeMonitor(ctx.Request.Context(), id, ctx.GetString("orgID"))
	if err != nil {
		h.respondMonitorError(ctx, "resume monitor", id, err)
		return
	}

	ctx.JSON(http.StatusOK, toMonitorResponse(m))
}

func (h *MonitorHandler) Delete(ctx *gin.Context) {
	id := ctx.Param("id")

	if err := h.uc.DeleteMonitor(ctx.Request.Context(), id, ctx.GetString("orgID")); err != nil {
		h.respondMonitorError(ctx, "delete monitor", id, err)
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *MonitorHandler) ListPings(ctx *gin.Context) {
	id := ctx.Param("id")
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	pings, err := h.uc.ListPings(ctx.Request.Context(), id, ctx.GetString("orgID"), limit)
	if err != nil {
		h.respondMonitorError(ctx, "list monitor pings", id, err)
		return
	}

	items := make([]monitorPingResponse, len(pings))
	for i, p := range pings {
		items[i] = monitorPingResponse{
			ID:                      p.ID,
			ExpectedIntervalSeconds: p.ExpectedIntervalSeconds,
			SourceIP:                p.SourceIP,
			ReceivedAt:              p.ReceivedAt,
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"pings": items})
}

func (h *MonitorHandler) respondMonitorError(ctx *gin.Context, op, id string, err error) {
	if errors.Is(err, domain.ErrMonitorNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": errMonitorNotFound})
		return
	}
	h.logger.Error(op, "monitor_id", id, "error", err)
	ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
}
