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

type EndpointHandler struct {
	uc     *usecase.EndpointUsecase
	logger *slog.Logger
}

func NewEndpointHandler(uc *usecase.EndpointUsecase, logger *slog.Logger) *EndpointHandler {
	return &EndpointHandler{uc: uc, logger: logger.With("component", "endpoint_handler")}
}

type createEndpointRequest struct {
	Name          string   `json:"name"           binding:"required,max=256"`
	Slug          string   `json:"slug"           binding:"omitempty,max=64"`
	ForwardURLs   []string `json:"forward_urls"   binding:"omitempty,dive,url,max=2048"`
	RetryAttempts int      `json:"retry_attempts" binding:"omitempty,min=0,max=10"`
	Queue         *string  `json:"queue"          binding:"omitempty,max=64"`
}

type updateEndpointRequest struct {
	Name          string   `json:"name"           binding:"required,max=256"`
	ForwardURLs   []string `json:"forward_urls"   binding:"omitempty,dive,url,max=2048"`
	RetryAttempts int      `json:"retry_attempts" binding:"omitempty,min=0,max=10"`
	Queue         *string  `json:"queue"          binding:"omitempty,max=64"`
	Enabled       bool     `json:"enabled"`
}

type endpointResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Slug          string    `json:"slug"`
	ForwardURLs   []string  `json:"forward_urls"`
	RetryAttempts int       `json:"retry_attempts"`
	Queue         *string   `json:"queue,omitempty"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toEndpointResponse(ep *domain.Endpoint) endpointResponse {
	return endpointResponse{
		ID:            ep.ID,
		Name:          ep.Name,
		Slug:          ep.Slug,
		ForwardURLs:   ep.ForwardURLs,
		RetryAttempts: ep.RetryAttempts,
		Queue:         ep.Queue,
		Enabled:       ep.Enabled,
		CreatedAt:     ep.CreatedAt,
		UpdatedAt:     ep.UpdatedAt,
	}
}

type inboundEventResponse struct {
	ID         string            `json:"id"`
	EndpointID string            `json:"endpoint_id"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	SourceIP   string            `json:"source_ip"`
	TaskIDs    []string          `json:"task_ids"`
	CreatedAt  time.Time         `json:"created_at"`
}

func toInboundEventResponse(e *domain.InboundEvent) inboundEventResponse {
	return inboundEventResponse{
		ID:         e.ID,
		EndpointID: e.EndpointID,
		Method:     e.Method,
		Headers:    e.Headers,
		Body:       string(e.Body),
		SourceIP:   e.SourceIP,
		TaskIDs:    e.TaskIDs,
		CreatedAt:  e.CreatedAt,
	}
}

func (h *EndpointHandler) Create(ctx *gin.Context) {
	var req createEndpointRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ep, err := h.uc.CreateEndpoint(ctx.Request.Context(), usecase.CreateEndpointInput{
		OrganizationID: ctx.GetString("orgID"),
		Name:           req.Name,
		Slug:           req.Slug,
		ForwardURLs:    req.ForwardURLs,
		RetryAttempts:  req.RetryAttempts,
		Queue:          req.Queue,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSlug):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidSlug})
		case errors.Is(err, domain.ErrEndpointSlugConflict):
			ctx.JSON(http.StatusConflict, gin.H{"error": errEndpointSlugConflict})
		case errors.Is(err, domain.ErrTooManyForwards):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errTooManyForwards})
		case errors.Is(err, domain.ErrBlockedURL):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errBlockedURL})
		default:
			h.logger.Error("create endpoint", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusCreated, toEndpointResponse(ep))
}

func (h *EndpointHandler) List(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	result, err := h.uc.ListEndpoints(ctx.Request.Context(), usecase.ListEndpointsInput{
		OrganizationID: ctx.GetString("orgID"),
		Cursor:         ctx.Query("cursor"),
		Limit:          limit,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCursor) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCursor})
			return
		}
		h.logger.Error("list endpoints", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	items := make([]endpointResponse, len(result.Endpoints))
	for i, ep := range result.Endpoints {
		items[i] = toEndpointResponse(ep)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"endpoints":   items,
		"next_cursor": result.NextCursor,
	})
}

func (h *EndpointHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	ep, err := h.uc.GetEndpoint(ctx.Request.Context(), id, ctx.GetString("orgID"))
	if err != nil {
		if errors.Is(err, domain.ErrEndpointNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errEndpointNotFound})
			return
		}
		h.logger.Error("get endpoint", "endpoint_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, toEndpointResponse(ep))
}

func (h *EndpointHandler) Update(ctx *gin.Context) {
	id := ctx.Param("id")

	var req updateEndpointRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ep, err := h.uc.UpdateEndpoint(ctx.Request.Context(), usecase.UpdateEndpointInput{
		EndpointID:     id,
		OrganizationID: ctx.GetString("orgID"),
		Name:           req.Name,
		ForwardURLs:    req.ForwardURLs,
		RetryAttempts:  req.RetryAttempts,
		Queue:          req.Queue,
		Enabled:        req.Enabled,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEndpointNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errEndpointNotFound})
		case errors.Is(err, domain.ErrTooManyForwards):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errTooManyForwards})
		case errors.Is(err, domain.ErrBlockedURL):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errBlockedURL})
		default:
			h.logger.Error("update endpoint", "endpoint_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusOK, toEndpointResponse(ep))
}

func (h *EndpointHandler) Delete(ctx *gin.Context) {
	id := ctx.Param("id")

	if err := h.uc.DeleteEndpoint(ctx.Request.Context(), id, ctx.GetString("orgID")); err != nil {
		if errors.Is(err, domain.ErrEndpointNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errEndpointNotFound})
			return
		}
		h.logger.Error("delete endpoint", "endpoint_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *EndpointHandler) ListEvents(ctx *gin.Context) {
	id := ctx.Param("id")
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	result, err := h.uc.ListEvents(ctx.Request.Context(), usecase.ListEventsInput{
		OrganizationID: ctx.GetString("orgID"),
		EndpointID:     id,
		Cursor:         ctx.Query("cursor"),
		Limit:          limit,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEndpointNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errEndpointNotFound})
		case errors.Is(err, domain.ErrInvalidCursor):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCursor})
		default:
			h.logger.Error("list endpoint events", "endpoint_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	items := make([]inboundEventResponse, len(result.Events))
	for i, e := range result.Events {
		items[i] = toInboundEventResponse(e)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"events":      items,
		"next_cursor": result.NextCursor,
	})
}

func (h *EndpointHandler) GetEvent(ctx *gin.Context) {
	id := ctx.Param("id")

	e, err := h.uc.GetEvent(ctx.Request.Context(), id, ctx.GetString("orgID"))
	if err != nil {
		if errors.Is(err, domain.ErrInboundEventNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errEventNotFound})
			return
		}
		h.logger.Error("get inbound event", "event_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, toInboundEventResponse(e))
}

func (h *EndpointHandler) ReplayEvent(ctx *gin.Context) {
	id := ctx.Param("id")

	created, err := h.uc.ReplayEvent(ctx.Request.Context(), id, ctx.GetString("orgID"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInboundEventNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errEventNotFound})
		case errors.Is(err, domain.ErrForwardTaskDeleted):
			ctx.JSON(http.StatusConflict, gin.H{"error": errForwardTaskDeleted})
		default:
			h.logger.Error("replay inbound event", "event_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"executions_created": created})
}
