package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gautema/runlater/internal/domain"
)

type monitorPinger interface {
	Ping(ctx context.Context, token, sourceIP string) (*domain.Monitor, error)
}

// PingHandler is the public heartbeat receiver at /ping/:token. Returns
// bare status codes: callers are crons piping curl, not API clients.
type PingHandler struct {
	svc    monitorPinger
	logger *slog.Logger
}

func NewPingHandler(svc monitorPinger, logger *slog.Logger) *PingHandler {
	return &PingHandler{svc: svc, logger: logger.With("component", "ping_handler")}
}

func (h *PingHandler) Ping(ctx *gin.Context) {
	token := ctx.Param("token")

	_, err := h.svc.Ping(ctx.Request.Context(), token, ctx.ClientIP())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMonitorNotFound):
			ctx.Status(http.StatusNotFound)
		case errors.Is(err, domain.ErrMonitorPaused):
			ctx.Status(http.StatusConflict)
		default:
			h.logger.Error("record ping", "error", err)
			ctx.Status(http.StatusInternalServerError)
		}
		return
	}

	ctx.Status(http.StatusNoContent)
}
