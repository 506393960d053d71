package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/internal/core/services"
	"fleetdesk/pkg/tracing"
	"fleetdesk/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AgentHandler serves the agent list, the detail view, settings, commands
// and artifact feeds.
type AgentHandler struct {
	directory *services.AgentDirectory
	monitors  *services.MonitorRegistry
	settings  ports.SettingsService
	commands  ports.CommandService
	artifacts ports.ArtifactService
	logger    *zap.SugaredLogger
}

func NewAgentHandler(
	directory *services.AgentDirectory,
	monitors *services.MonitorRegistry,
	settings ports.SettingsService,
	commands ports.CommandService,
	artifacts ports.ArtifactService,
	logger *zap.SugaredLogger,
) *AgentHandler {
	return &AgentHandler{
		directory: directory,
		monitors:  monitors,
		settings:  settings,
		commands:  commands,
		artifacts: artifacts,
		logger:    logger,
	}
}

func (h *AgentHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/agents", h.ListAgents)

	agent := api.Group("/agents/:id", agentIDParam)
	{
		agent.GET("", h.GetAgent)
		agent.DELETE("/view", h.CloseView)
		agent.PUT("/settings", h.UpdateSettings)
		agent.POST("/commands", h.IssueCommand)
		agent.GET("/commands/:command_id", h.GetCommand)
		agent.GET("/artifacts", h.ListArtifacts)
	}
}

// agentIDParam rejects malformed agent ids before any handler runs.
func agentIDParam(c *gin.Context) {
	if err := validation.ValidateAgentID(c.Param("id")); err != nil {
		invalid(c, err)
		return
	}
	c.Next()
}

func agentID(c *gin.Context) domain.AgentID {
	return domain.AgentID(c.Param("id"))
}

func (h *AgentHandler) ListAgents(c *gin.Context) {
	agents, err := h.directory.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

// GetAgent opens (or reuses) the agent's detail view and returns its state.
func (h *AgentHandler) GetAgent(c *gin.Context) {
	m, err := h.monitors.Open(c.Request.Context(), agentID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

// CloseView unmounts the detail view; its live session is stopped too.
func (h *AgentHandler) CloseView(c *gin.Context) {
	closed := h.monitors.Close(agentID(c))
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

type settingsRequest struct {
	ScreenshotInterval int  `json:"screenshot_interval"`
	VideoDuration      int  `json:"video_duration"`
	ScreenshotsEnabled bool `json:"screenshots_enabled"`
}

func (h *AgentHandler) UpdateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, fmt.Errorf("invalid settings body: %w", err))
		return
	}
	if err := validation.ValidateScreenshotInterval(req.ScreenshotInterval); err != nil {
		invalid(c, err)
		return
	}
	if err := validation.ValidateVideoDuration(req.VideoDuration); err != nil {
		invalid(c, err)
		return
	}

	agent, err := h.settings.Update(c.Request.Context(), agentID(c), domain.AgentSettings{
		ScreenshotInterval: req.ScreenshotInterval,
		VideoDuration:      req.VideoDuration,
		ScreenshotsEnabled: req.ScreenshotsEnabled,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

type commandRequest struct {
	Kind    string          `json:"command_type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// IssueCommand inserts a PENDING command and returns 202 without waiting
// for the agent. While the detail view is open a second command of the
// same kind is refused until the first completes.
func (h *AgentHandler) IssueCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, fmt.Errorf("invalid command body: %w", err))
		return
	}
	kind, err := domain.ParseCommandKind(req.Kind)
	if err != nil {
		invalid(c, err)
		return
	}
	if err := validation.ValidatePayloadSize(req.Payload); err != nil {
		invalid(c, err)
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		invalid(c, fmt.Errorf("payload must be valid JSON"))
		return
	}

	id := agentID(c)
	ctx, span := tracing.TraceCommand(c.Request.Context(), string(kind), string(id))
	defer span.End()

	var handle ports.CommandHandle
	if m, ok := h.monitors.Get(id); ok {
		handle, err = m.Issue(ctx, kind, req.Payload)
	} else {
		handle, err = h.commands.Issue(ctx, id, kind, req.Payload)
	}
	if errors.Is(err, domain.ErrCommandBusy) {
		fail(c, errBusy(kind))
		return
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		fail(c, err)
		return
	}

	cmd := handle.Command()
	span.SetAttributes(tracing.CommandIDKey.String(string(cmd.ID)))
	c.Header("Location", fmt.Sprintf("%s/%s", c.Request.URL.Path, cmd.ID))
	c.JSON(http.StatusAccepted, gin.H{"command": cmd})
}

func (h *AgentHandler) GetCommand(c *gin.Context) {
	commandID := c.Param("command_id")
	if err := validation.ValidateCommandID(commandID); err != nil {
		invalid(c, err)
		return
	}
	cmd, err := h.commands.Get(c.Request.Context(), domain.CommandID(commandID))
	if err != nil {
		fail(c, err)
		return
	}
	if cmd.AgentID != agentID(c) {
		fail(c, domain.ErrCommandNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"command": cmd})
}

func (h *AgentHandler) ListArtifacts(c *gin.Context) {
	kind := domain.ArtifactKind(c.DefaultQuery("kind", string(domain.ArtifactScreenshot)))
	if !kind.Valid() {
		invalid(c, fmt.Errorf("kind must be %s or %s", domain.ArtifactScreenshot, domain.ArtifactVideo))
		return
	}
	items, err := h.artifacts.List(c.Request.Context(), agentID(c), kind)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"kind":      kind,
		"artifacts": items,
		"count":     len(items),
	})
}
