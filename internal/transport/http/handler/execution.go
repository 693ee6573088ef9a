package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/usecase"
)

// ExecutionHandler exposes the org-wide delivery history. Task-scoped
// listings live on TaskHandler.
type ExecutionHandler struct {
	uc     *usecase.TaskUsecase
	logger *slog.Logger
}

func NewExecutionHandler(uc *usecase.TaskUsecase, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{uc: uc, logger: logger.With("component", "execution_handler")}
}

func (h *ExecutionHandler) List(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	result, err := h.uc.ListExecutions(ctx.Request.Context(), usecase.ListExecutionsInput{
		OrganizationID: ctx.GetString("orgID"),
		Status:         domain.ExecutionStatus(ctx.Query("status")),
		Cursor:         ctx.Query("cursor"),
		Limit:          limit,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidStatus):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidStatus})
		case errors.Is(err, domain.ErrInvalidCursor):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCursor})
		default:
			h.logger.Error("list executions", "error", err)
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

func (h *ExecutionHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	e, err := h.uc.GetExecution(ctx.Request.Context(), id, ctx.GetString("orgID"))
	if err != nil {
		if errors.Is(err, domain.ErrExecutionNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errExecutionNotFound})
			return
		}
		h.logger.Error("get execution", "execution_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, toExecutionResponse(e))
}
