package agents

import (
	"errors"
	"strconv"

	"github.com/Bokuhoggie/PhantomEx/internal/hub"
	"github.com/Bokuhoggie/PhantomEx/internal/scheduler"
	"github.com/Bokuhoggie/PhantomEx/pkg/response"
	"github.com/gin-gonic/gin"
)

// GinHandlers contains HTTP handlers for agent endpoints
type GinHandlers struct {
	service  *Service
	resolver hub.DecisionResolver
}

// NewGinHandlers creates a new set of HTTP handlers for agent endpoints
func NewGinHandlers(service *Service, resolver hub.DecisionResolver) *GinHandlers {
	return &GinHandlers{
		service:  service,
		resolver: resolver,
	}
}

// CreateAgentHandler handles POST requests to deploy a new agent
func (h *GinHandlers) CreateAgentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateAgentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		view, err := h.service.Create(&req)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		response.Success(c, view)
	}
}

// ListAgentsHandler handles GET requests for all registered agents
func (h *GinHandlers) ListAgentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.List())
	}
}

// GetAgentHandler handles GET requests for one agent's runtime state
// URL parameter: agent_id
func (h *GinHandlers) GetAgentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.Get(c.Param("agent_id"))
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, view)
	}
}

// DeleteAgentHandler handles DELETE requests to retire an agent
// Query parameter save_session=true archives the run first
func (h *GinHandlers) DeleteAgentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		save := c.Query("save_session") == "true"
		saved, err := h.service.Delete(c.Request.Context(), c.Param("agent_id"), save)
		if err != nil {
			h.handleError(c, err)
			return
		}
		if saved != nil {
			response.Success(c, gin.H{"deleted": true, "session": saved})
			return
		}
		response.Success(c, gin.H{"deleted": true})
	}
}

// SetModeHandler handles PUT requests to switch autonomous/advisory mode
func (h *GinHandlers) SetModeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Mode string `json:"mode" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.service.SetMode(c.Param("agent_id"), req.Mode); err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, gin.H{"mode": req.Mode})
	}
}

// SetRiskHandler handles PUT requests to change the risk profile
func (h *GinHandlers) SetRiskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RiskProfile string `json:"risk_profile" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.service.SetRiskProfile(c.Param("agent_id"), req.RiskProfile); err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, gin.H{"risk_profile": req.RiskProfile})
	}
}

// SetIntervalHandler handles PUT requests to change the decision interval
func (h *GinHandlers) SetIntervalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			TradeInterval float64 `json:"trade_interval" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.service.SetInterval(c.Param("agent_id"), req.TradeInterval); err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, gin.H{"trade_interval": req.TradeInterval})
	}
}

// DepositHandler handles POST requests to add cash to a portfolio
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Amount float64 `json:"amount" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		cash, err := h.service.Deposit(c.Param("agent_id"), req.Amount)
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, gin.H{"cash": cash})
	}
}

// TriggerHandler handles POST requests for an immediate decision cycle
func (h *GinHandlers) TriggerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.Trigger(c.Param("agent_id")); err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, gin.H{"triggered": true})
	}
}

// ApproveHandler handles POST requests to approve a pending decision
func (h *GinHandlers) ApproveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.resolver.Approve(c.Param("agent_id")); err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, gin.H{"approved": true})
	}
}

// RejectHandler handles POST requests to reject a pending decision
func (h *GinHandlers) RejectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.resolver.Reject(c.Param("agent_id")); err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, gin.H{"rejected": true})
	}
}

// TradesHandler handles GET requests for the agent's trade log
func (h *GinHandlers) TradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trades, err := h.service.Trades(c.Param("agent_id"))
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, trades)
	}
}

// RecentTradesHandler handles GET requests for the newest trades across
// all agents; query parameter: limit (default 50)
func (h *GinHandlers) RecentTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 500 {
				response.BadRequest(c, "limit must be between 1 and 500")
				return
			}
			limit = n
		}

		trades, err := h.service.RecentTrades(limit)
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, trades)
	}
}

// EquityHandler handles GET requests for the agent's equity curve
func (h *GinHandlers) EquityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		points, err := h.service.Equity(c.Param("agent_id"))
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, points)
	}
}

func (h *GinHandlers) handleError(c *gin.Context, err error) {
	if errors.Is(err, ErrAgentNotFound) || errors.Is(err, scheduler.ErrAgentNotRegistered) {
		response.NotFound(c, "Agent not found")
		return
	}
	response.Handle(c, nil, err)
}
