// Package handlers contains the gateway's HTTP surface.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"skywatch/internal/gateway"
	"skywatch/internal/scheduler"
	sessionsvc "skywatch/internal/session"
	"skywatch/pkg/api/common"
	"skywatch/pkg/logging"
	"skywatch/pkg/version"
)

// GatewayHandlers contains the HTTP handlers for the session gateway.
type GatewayHandlers struct {
	gateway   *gateway.Gateway
	store     *sessionsvc.Store
	scheduler *scheduler.Store
	logger    logging.Logger
	startTime time.Time
}

// NewGatewayHandlers creates a new handlers instance.
func NewGatewayHandlers(gw *gateway.Gateway, store *sessionsvc.Store, sched *scheduler.Store, logger logging.Logger) *GatewayHandlers {
	return &GatewayHandlers{
		gateway:   gw,
		store:     store,
		scheduler: sched,
		logger:    logger,
		startTime: time.Now(),
	}
}

// RegisterRoutes attaches the API surface to the router.
func (h *GatewayHandlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/session", h.HandleGetSession)
		api.POST("/session/refresh", h.HandleRefreshSession)
		api.GET("/session/stats", h.HandleSessionStats)
		api.GET("/session/health", h.HandleSessionHealth)
		api.GET("/nina/session-state", h.HandleSessionState)
		api.GET("/config/health", h.HandleConfigHealth)
		api.GET("/state", h.HandleUnifiedState)
		api.GET("/version", h.HandleVersion)
		api.GET("/scheduler/projects", h.HandleSchedulerProjects)
		api.GET("/scheduler/projects/:id/targets", h.HandleSchedulerTargets)
	}
}

// HandleGetSession returns the current document in the wrapped shape.
func (h *GatewayHandlers) HandleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, common.Wrap(h.store.CachedSnapshot()))
}

// HandleSessionState returns the current document unwrapped, the shape older
// dashboards poll.
func (h *GatewayHandlers) HandleSessionState(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.CachedSnapshot())
}

// HandleRefreshSession re-runs the seeder and returns the fresh document.
// An unreachable imaging host still yields a well-formed document.
func (h *GatewayHandlers) HandleRefreshSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	doc, err := h.gateway.Refresh(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("Manual refresh fell back to last known state")
	}
	c.JSON(http.StatusOK, common.Wrap(doc))
}

// HandleSessionStats returns process, pipeline, and hub counters.
func (h *GatewayHandlers) HandleSessionStats(c *gin.Context) {
	c.JSON(http.StatusOK, common.Wrap(h.gateway.Stats(c.Request.Context())))
}

// HandleSessionHealth returns the boolean health triad plus uptime.
func (h *GatewayHandlers) HandleSessionHealth(c *gin.Context) {
	health := h.gateway.Health()
	c.JSON(http.StatusOK, gin.H{
		"sessionManager": health["sessionManager"],
		"websocket":      health["websocket"],
		"database":       health["database"],
		"uptime":         h.gateway.Uptime().String(),
		"timestamp":      time.Now().UTC(),
	})
}

// HandleConfigHealth is the liveness probe.
func (h *GatewayHandlers) HandleConfigHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// HandleUnifiedState aggregates the session document with link and
// scheduler context for dashboards that want one call.
func (h *GatewayHandlers) HandleUnifiedState(c *gin.Context) {
	doc := h.store.CachedSnapshot()
	state := gin.H{
		"session":       doc,
		"ninaConnected": h.gateway.Connected(),
		"health":        h.gateway.Health(),
	}
	if h.scheduler != nil && h.scheduler.Available() {
		state["schedulerProjects"] = h.scheduler.ListProjects(c.Request.Context())
	}
	c.JSON(http.StatusOK, common.Wrap(state))
}

// HandleVersion returns build information.
func (h *GatewayHandlers) HandleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, version.GetInfo())
}

// HandleSchedulerProjects lists the target scheduler's projects; an absent
// scheduler database yields an empty list, never an error.
func (h *GatewayHandlers) HandleSchedulerProjects(c *gin.Context) {
	projects := []scheduler.Project{}
	if h.scheduler != nil {
		projects = h.scheduler.ListProjects(c.Request.Context())
	}
	c.JSON(http.StatusOK, common.Wrap(projects))
}

// HandleSchedulerTargets lists one project's targets. A bad id is a client
// error; everything else degrades to an empty list.
func (h *GatewayHandlers) HandleSchedulerTargets(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, common.WrapError(fmt.Errorf("invalid project id %q", c.Param("id"))))
		return
	}
	targets := []scheduler.Target{}
	if h.scheduler != nil {
		targets = h.scheduler.ListTargets(c.Request.Context(), id)
	}
	c.JSON(http.StatusOK, common.Wrap(targets))
}
