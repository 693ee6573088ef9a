package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/inbound"
)

const (
	errUnknownSlug     = "Unknown endpoint"
	errEndpointGone    = "Endpoint is disabled"
	errPayloadTooLarge = "Payload exceeds 256 KB"
)

type inboundReceiver interface {
	Receive(ctx context.Context, slug string, req inbound.Request) (*domain.InboundEvent, error)
}

// InboundHandler is the public webhook receiver at /in/:slug. No auth:
// the slug is the credential.
type InboundHandler struct {
	svc    inboundReceiver
	logger *slog.Logger
}

func NewInboundHandler(svc inboundReceiver, logger *slog.Logger) *InboundHandler {
	return &InboundHandler{svc: svc, logger: logger.With("component", "inbound_handler")}
}

func (h *InboundHandler) Receive(ctx *gin.Context) {
	slug := ctx.Param("slug")

	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, domain.InboundBodyCap))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ctx.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errPayloadTooLarge})
			return
		}
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	// First value per header; duplicate header lines are rare on webhook
	// traffic and the forward tasks store a flat map.
	headers := make(map[string]string, len(ctx.Request.Header))
	for name, values := range ctx.Request.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	event, err := h.svc.Receive(ctx.Request.Context(), slug, inbound.Request{
		Method:   ctx.Request.Method,
		Headers:  headers,
		Body:     body,
		SourceIP: ctx.ClientIP(),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEndpointNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errUnknownSlug})
		case errors.Is(err, domain.ErrEndpointDisabled):
			ctx.JSON(http.StatusGone, gin.H{"error": errEndpointGone})
		default:
			h.logger.Error("receive inbound event", "slug", slug, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"event_id": event.ID,
		"forwards": len(event.TaskIDs),
	})
}
