package http

import (
	"fmt"
	"net/http"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionHandler drives the live session of an agent.
type SessionHandler struct {
	sessions ports.SessionService
	logger   *zap.SugaredLogger
}

func NewSessionHandler(sessions ports.SessionService, logger *zap.SugaredLogger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logger}
}

func (h *SessionHandler) SetupRoutes(api *gin.RouterGroup) {
	session := api.Group("/agents/:id/session", agentIDParam)
	{
		session.POST("", h.StartSession)
		session.GET("", h.GetSession)
		session.DELETE("", h.StopSession)
		session.POST("/control", h.SendControl)
	}
}

type startSessionRequest struct {
	Mode string `json:"mode"`
}

// StartSession begins negotiation and returns as soon as the offer is
// published (offer mode) or the agent has been asked for one (answer mode).
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalid(c, fmt.Errorf("invalid session body: %w", err))
			return
		}
	}
	mode, ok := domain.ParseSessionMode(req.Mode)
	if !ok {
		invalid(c, fmt.Errorf("mode must be %q or %q", domain.ModeOffer, domain.ModeAnswer))
		return
	}

	status, err := h.sessions.Start(c.Request.Context(), agentID(c), mode)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": status})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	status, err := h.sessions.Status(agentID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": status})
}

func (h *SessionHandler) StopSession(c *gin.Context) {
	if err := h.sessions.Stop(agentID(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// controlRequest carries raw client coordinates and the rect the video was
// rendered into; coordinates are normalized here.
type controlRequest struct {
	Type    domain.ControlKind `json:"type" binding:"required"`
	ClientX float64            `json:"client_x"`
	ClientY float64            `json:"client_y"`
	Rect    *domain.Rect       `json:"rect"`
	Button  string             `json:"button"`
	Key     string             `json:"key"`
}

func (r controlRequest) event() (domain.ControlEvent, error) {
	switch r.Type {
	case domain.ControlPointerMove, domain.ControlPointerClick:
		if r.Rect == nil {
			return domain.ControlEvent{}, fmt.Errorf("%s requires rect", r.Type)
		}
		x, y, err := r.Rect.Normalize(r.ClientX, r.ClientY)
		if err != nil {
			return domain.ControlEvent{}, err
		}
		if r.Type == domain.ControlPointerMove {
			return domain.PointerMove(x, y), nil
		}
		if err := validation.ValidateButton(r.Button); err != nil {
			return domain.ControlEvent{}, err
		}
		return domain.PointerClick(x, y, r.Button), nil
	case domain.ControlKeyPress:
		if err := validation.ValidateKey(r.Key); err != nil {
			return domain.ControlEvent{}, err
		}
		return domain.KeyPress(r.Key), nil
	default:
		return domain.ControlEvent{}, fmt.Errorf("unknown control type %q", r.Type)
	}
}

// SendControl is fire-and-forget: a well-formed event is accepted whether or
// not a session is streaming, and silently dropped when none is.
func (h *SessionHandler) SendControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, fmt.Errorf("invalid control body: %w", err))
		return
	}
	event, err := req.event()
	if err != nil {
		invalid(c, err)
		return
	}

	if err := h.sessions.SendControl(agentID(c), event); err != nil {
		h.logger.Debugw("Control event dropped",
			"agent_id", agentID(c),
			"type", event.Kind,
			"error", err,
		)
	}
	c.JSON(http.StatusAccepted, gin.H{"event": event})
}
