// Package api exposes the operator HTTP surface for session lifecycle
// operations plus introspection endpoints and the websocket event feed.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/herdctl/herdctl/internal/common/errors"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/session"
	"github.com/herdctl/herdctl/internal/session/service"
	"github.com/herdctl/herdctl/internal/session/store"
)

// Handlers bind the session service to HTTP.
type Handlers struct {
	sessions *service.Service
	eventLog *store.EventLog
	registry *plugin.Registry
	logger   *logger.Logger
}

// NewHandlers creates the operator API handlers.
func NewHandlers(sessions *service.Service, eventLog *store.EventLog, registry *plugin.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		sessions: sessions,
		eventLog: eventLog,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "api-handlers")),
	}
}

// Register wires the routes onto the router group.
func (h *Handlers) Register(api *gin.RouterGroup) {
	api.POST("/sessions", h.spawn)
	api.POST("/sessions/batch", h.batchSpawn)
	api.GET("/sessions", h.list)
	api.GET("/sessions/:id", h.get)
	api.DELETE("/sessions/:id", h.kill)
	api.POST("/sessions/:id/send", h.send)
	api.POST("/sessions/:id/restore", h.restore)
	api.POST("/sessions/:id/cleanup", h.cleanupSession)
	api.GET("/sessions/:id/attach-command", h.attachCommand)
	api.POST("/cleanup", h.cleanup)
	api.GET("/status", h.status)
	api.GET("/events", h.events)
	api.GET("/plugins", h.plugins)
}

// respondError maps the error taxonomy to an HTTP status and a stable
// error body.
func (h *Handlers) respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(status, gin.H{"error": appErr.Message, "kind": appErr.Kind})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": apperrors.KindInternal})
}

func (h *Handlers) spawn(c *gin.Context) {
	var req service.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "kind": apperrors.KindValidation})
		return
	}

	sess, err := h.sessions.Spawn(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

type batchSpawnRequest struct {
	ProjectID string   `json:"project_id"`
	IssueIDs  []string `json:"issue_ids"`
}

func (h *Handlers) batchSpawn(c *gin.Context) {
	var req batchSpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "kind": apperrors.KindValidation})
		return
	}

	results, err := h.sessions.BatchSpawn(c.Request.Context(), req.ProjectID, req.IssueIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handlers) list(c *gin.Context) {
	sessions, err := h.sessions.List(c.Query("project"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handlers) get(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handlers) kill(c *gin.Context) {
	if err := h.sessions.Kill(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"killed": c.Param("id")})
}

type sendRequest struct {
	Message string `json:"message"`
}

func (h *Handlers) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "kind": apperrors.KindValidation})
		return
	}

	if err := h.sessions.Send(c.Request.Context(), c.Param("id"), req.Message); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

func (h *Handlers) restore(c *gin.Context) {
	sess, err := h.sessions.Restore(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handlers) cleanupSession(c *gin.Context) {
	if err := h.sessions.CleanupSession(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleaned": []string{c.Param("id")}})
}

func (h *Handlers) cleanup(c *gin.Context) {
	cleaned, err := h.sessions.Cleanup(c.Request.Context(), c.Query("project"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if cleaned == nil {
		cleaned = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"cleaned": cleaned})
}

func (h *Handlers) attachCommand(c *gin.Context) {
	argv, err := h.sessions.AttachCommand(c.Param("id"), c.Query("terminal"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"command": argv})
}

// status summarizes the fleet: session counts per status and per project.
func (h *Handlers) status(c *gin.Context) {
	sessions, err := h.sessions.List("")
	if err != nil {
		h.respondError(c, err)
		return
	}

	byStatus := map[session.Status]int{}
	byProject := map[string]int{}
	for _, sess := range sessions {
		byStatus[sess.Status]++
		byProject[sess.ProjectID]++
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":   len(sessions),
		"by_status":  byStatus,
		"by_project": byProject,
	})
}

func (h *Handlers) events(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer", "kind": apperrors.KindValidation})
			return
		}
		limit = parsed
	}

	tail, err := h.eventLog.Tail(limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": tail})
}

func (h *Handlers) plugins(c *gin.Context) {
	slots := []plugin.Slot{
		plugin.SlotRuntime, plugin.SlotAgent, plugin.SlotWorkspace,
		plugin.SlotTracker, plugin.SlotSCM, plugin.SlotNotifier, plugin.SlotTerminal,
	}
	out := map[string][]plugin.Manifest{}
	for _, slot := range slots {
		manifests := h.registry.List(slot)
		if manifests == nil {
			manifests = []plugin.Manifest{}
		}
		out[string(slot)] = manifests
	}
	c.JSON(http.StatusOK, gin.H{"plugins": out})
}
