package session

import (
	"encoding/json"
	"errors"

	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/Bokuhoggie/PhantomEx/pkg/response"
	"github.com/gin-gonic/gin"
)

// GinHandlers contains HTTP handlers for session endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for session endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type saveRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Notes   string `json:"notes"`
}

// sessionDetail is a saved session with its embedded blobs decoded.
type sessionDetail struct {
	*types.SavedSession
	Trades json.RawMessage `json:"trades"`
	Equity json.RawMessage `json:"equity"`
}

func detail(s *types.SavedSession) sessionDetail {
	d := sessionDetail{SavedSession: s, Trades: json.RawMessage("[]"), Equity: json.RawMessage("[]")}
	if json.Valid([]byte(s.TradesJSON)) {
		d.Trades = json.RawMessage(s.TradesJSON)
	}
	if json.Valid([]byte(s.EquityJSON)) {
		d.Equity = json.RawMessage(s.EquityJSON)
	}
	return d
}

// SaveSessionHandler handles POST requests to archive an agent's run
func (h *GinHandlers) SaveSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req saveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		session, err := h.service.Save(c.Request.Context(), req.AgentID, req.Notes)
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, session)
	}
}

// RecoverSessionHandler handles POST requests to archive a run for an agent
// that is no longer active
func (h *GinHandlers) RecoverSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req saveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		session, err := h.service.Recover(c.Request.Context(), req.AgentID, req.Notes)
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, session)
	}
}

// RecaptureSessionHandler handles POST requests to rebuild a saved session's
// aggregates from full history
// URL parameter: session_id
func (h *GinHandlers) RecaptureSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := h.service.Recapture(c.Request.Context(), c.Param("session_id"))
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, session)
	}
}

// ListSessionsHandler handles GET requests for all saved sessions
func (h *GinHandlers) ListSessionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := h.service.List()
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, sessions)
	}
}

// GetSessionHandler handles GET requests for one saved session, with its
// trade log and equity curve decoded
// URL parameter: session_id
func (h *GinHandlers) GetSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := h.service.Get(c.Param("session_id"))
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, detail(session))
	}
}

// DeleteSessionHandler handles DELETE requests for a saved session
// URL parameter: session_id
func (h *GinHandlers) DeleteSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.Delete(c.Param("session_id")); err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, gin.H{"deleted": true})
	}
}

func (h *GinHandlers) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		response.NotFound(c, "Session not found")
	case errors.Is(err, ErrAgentNotFound):
		response.NotFound(c, "Agent not found")
	default:
		response.Handle(c, nil, err)
	}
}
