package handler

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/usecase"
)

type OrganizationHandler struct {
	uc     *usecase.OrganizationUsecase
	logger *slog.Logger
}

func NewOrganizationHandler(uc *usecase.OrganizationUsecase, logger *slog.Logger) *OrganizationHandler {
	return &OrganizationHandler{uc: uc, logger: logger.With("component", "organization_handler")}
}

type organizationResponse struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Tier domain.Tier `json:"tier"`

	// WebhookSecret verifies X-Runlater-Signature on deliveries.
	WebhookSecret string `json:"webhook_secret"`

	NotifyEmail      *string `json:"notify_email,omitempty"`
	NotifyWebhookURL *string `json:"notify_webhook_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type usageResponse struct {
	Tier                   domain.Tier `json:"tier"`
	MonthlyExecutionCount  int         `json:"monthly_execution_count"`
	MonthlyExecutionLimit  int         `json:"monthly_execution_limit"`
	RetentionDays          int         `json:"retention_days"`
	MinCronIntervalMinutes int         `json:"min_cron_interval_minutes"`
}

type updateNotifyRequest struct {
	NotifyEmail      *string `json:"notify_email"       binding:"omitempty,email"`
	NotifyWebhookURL *string `json:"notify_webhook_url" binding:"omitempty,url,max=2048"`
}

type auditLogResponse struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   string            `json:"target_id"`
	Detail     map[string]string `json:"detail,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (h *OrganizationHandler) Get(ctx *gin.Context) {
	org, err := h.uc.GetOrganization(ctx.Request.Context(), ctx.GetString("orgID"))
	if err != nil {
		if errors.Is(err, domain.ErrOrganizationNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errOrganizationNotFound})
			return
		}
		h.logger.Error("get organization", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, organizationResponse{
		ID:               org.ID,
		Name:             org.Name,
		Tier:             org.Tier,
		WebhookSecret:    hex.EncodeToString(org.WebhookSecret),
		NotifyEmail:      org.NotifyEmail,
		NotifyWebhookURL: org.NotifyWebhookURL,
		CreatedAt:        org.CreatedAt,
	})
}

func (h *OrganizationHandler) GetUsage(ctx *gin.Context) {
	usage, err := h.uc.GetUsage(ctx.Request.Context(), ctx.GetString("orgID"))
	if err != nil {
		if errors.Is(err, domain.ErrOrganizationNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errOrganizationNotFound})
			return
		}
		h.logger.Error("get usage", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, usageResponse{
		Tier:                   usage.Tier,
		MonthlyExecutionCount:  usage.MonthlyExecutionCount,
		MonthlyExecutionLimit:  usage.MonthlyExecutionLimit,
		RetentionDays:          usage.RetentionDays,
		MinCronIntervalMinutes: usage.MinCronIntervalMinutes,
	})
}

func (h *OrganizationHandler) UpdateNotifySettings(ctx *gin.Context) {
	var req updateNotifyRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.uc.UpdateNotifySettings(ctx.Request.Context(), usecase.UpdateNotifySettingsInput{
		OrganizationID:   ctx.GetString("orgID"),
		NotifyEmail:      req.NotifyEmail,
		NotifyWebhookURL: req.NotifyWebhookURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrOrganizationNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errOrganizationNotFound})
		case errors.Is(err, domain.ErrBlockedURL):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errBlockedURL})
		default:
			h.logger.Error("update notify settings", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *OrganizationHandler) ListAuditLog(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	entries, err := h.uc.ListAuditLog(ctx.Request.Context(), ctx.GetString("orgID"), limit)
	if err != nil {
		h.logger.Error("list audit log", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	items := make([]auditLogResponse, len(entries))
	for i, e := range entries {
		items[i] = auditLogResponse{
			ID:         e.ID,
			Action:     e.Action,
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Detail:     e.Detail,
			CreatedAt:  e.CreatedAt,
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": items})
}
