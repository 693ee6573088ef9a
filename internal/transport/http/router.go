package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/gautema/runlater/internal/repository"
	"github.com/gautema/runlater/internal/transport/http/handler"
	"github.com/gautema/runlater/internal/transport/http/middleware"
)

// Handlers bundles the route handlers the router mounts.
type Handlers struct {
	Tasks         *handler.TaskHandler
	Executions    *handler.ExecutionHandler
	Endpoints     *handler.EndpointHandler
	Monitors      *handler.MonitorHandler
	Organizations *handler.OrganizationHandler
	Inbound       *handler.InboundHandler
	Pings         *handler.PingHandler
}

func NewRouter(logger *slog.Logger, h Handlers, orgs repository.OrganizationRepository, jwtKey []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	// Public receivers. The slug and token are the credentials.
	r.Any("/in/:slug", h.Inbound.Receive)
	r.GET("/ping/:token", h.Pings.Ping)
	r.POST("/ping/:token", h.Pings.Ping)
	r.HEAD("/ping/:token", h.Pings.Ping)

	authMW := middleware.Auth(jwtKey)
	ensureOrg := middleware.EnsureOrg(orgs, logger)

	tasks := r.Group("/tasks", authMW, ensureOrg)
	tasks.POST("", h.Tasks.Create)
	tasks.GET("", h.Tasks.List)
	tasks.GET("/:id", h.Tasks.GetByID)
	tasks.PUT("/:id", h.Tasks.Update)
	tasks.DELETE("/:id", h.Tasks.Delete)
	tasks.POST("/:id/clone", h.Tasks.Clone)
	tasks.POST("/:id/run", h.Tasks.RunNow)
	tasks.GET("/:id/executions", h.Tasks.ListExecutions)

	executions := r.Group("/executions", authMW, ensureOrg)
	executions.GET("", h.Executions.List)
	executions.GET("/:id", h.Executions.GetByID)

	endpoints := r.Group("/endpoints", authMW, ensureOrg)
	endpoints.POST("", h.Endpoints.Create)
	endpoints.GET("", h.Endpoints.List)
	endpoints.GET("/:id", h.Endpoints.GetByID)
	endpoints.PUT("/:id", h.Endpoints.Update)
	endpoints.DELETE("/:id", h.Endpoints.Delete)
	endpoints.GET("/:id/events", h.Endpoints.ListEvents)

	events := r.Group("/events", authMW, ensureOrg)
	events.GET("/:id", h.Endpoints.GetEvent)
	events.POST("/:id/replay", h.Endpoints.ReplayEvent)

	monitors := r.Group("/monitors", authMW, ensureOrg)
	monitors.POST("", h.Monitors.Create)
	monitors.GET("", h.Monitors.List)
	monitors.GET("/:id", h.Monitors.GetByID)
	monitors.PUT("/:id", h.Monitors.Update)
	monitors.DELETE("/:id", h.Monitors.Delete)
	monitors.POST("/:id/pause", h.Monitors.Pause)
	monitors.POST("/:id/resume", h.Monitors.Resume)
	monitors.GET("/:id/pings", h.Monitors.ListPings)

	org := r.Group("/organization", authMW, ensureOrg)
	org.GET("", h.Organizations.Get)
	org.GET("/usage", h.Organizations.GetUsage)
	org.PUT("/notify-settings", h.Organizations.UpdateNotifySettings)
	org.GET("/audit-log", h.Organizations.ListAuditLog)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	return r
}
