package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/riskgate/internal/admission"
	"github.com/Aidin1998/riskgate/internal/events"
	"github.com/Aidin1998/riskgate/internal/messaging"
	"github.com/Aidin1998/riskgate/internal/risk"
	"github.com/Aidin1998/riskgate/pkg/money"
)

// writeError maps known errors to a status code.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, messaging.ErrUnknownTopic), errors.Is(err, messaging.ErrNoGroup):
		status = http.StatusNotFound
	case errors.Is(err, admission.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, admission.ErrKillSwitchViolation):
		status = http.StatusConflict
	case errors.Is(err, risk.ErrInvalidLimits):
		status = http.StatusBadRequest
	case errors.Is(err, admission.ErrSubmitTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, messaging.ErrBusClosed):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleGetLimits(c *gin.Context) {
	l, ok := s.svc.Engine().GetRiskLimits(c.Param("user"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no risk limits for user"})
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) handlePutLimits(c *gin.Context) {
	var l risk.RiskLimits
	if err := c.ShouldBindJSON(&l); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limits", "details": err.Error()})
		return
	}
	l.UserID = c.Param("user")
	stored, err := s.svc.SetLimits(c.Request.Context(), l)
	if err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info("Risk limits updated", zap.String("user_id", stored.UserID), zap.Bool("active", stored.Active))
	c.JSON(http.StatusOK, stored)
}

func (s *Server) handleDeactivateLimits(c *gin.Context) {
	l, err := s.svc.DeactivateLimits(c.Request.Context(), c.Param("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) handleResetHighWaterMark(c *gin.Context) {
	a, err := s.svc.ResetHighWaterMark(c.Request.Context(), c.Param("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) handleViolations(c *gin.Context) {
	user := c.Param("user")
	list := s.svc.Engine().Violations().ForUser(user)
	if c.Query("open") == "true" {
		list = s.svc.Engine().Violations().Unresolved(user)
	}
	c.JSON(http.StatusOK, gin.H{"violations": list})
}

func (s *Server) handleResolveViolation(c *gin.Context) {
	user, id := c.Param("user"), c.Param("id")
	if err := s.svc.ResolveViolation(c.Request.Context(), user, id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user, "violation_id": id, "resolved": true})
}

func (s *Server) handleSummary(c *gin.Context) {
	summary := s.svc.Engine().Summary(c.Param("user"))
	summary.Halted = summary.Halted || s.svc.Halts().IsHalted(summary.UserID)
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleHalts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"halts": s.svc.Halts().List()})
}

func (s *Server) handleClearKillSwitch(c *gin.Context) {
	res, err := s.svc.ClearKillSwitch(c.Request.Context(), c.Param("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// orderCheckRequest is the body of POST /v1/orders/check.
type orderCheckRequest struct {
	OrderID    string           `json:"order_id"`
	UserID     string           `json:"user_id" binding:"required"`
	Symbol     string           `json:"symbol" binding:"required"`
	Side       string           `json:"side" binding:"required,oneof=buy sell"`
	OrderType  string           `json:"order_type" binding:"required,oneof=market limit stop stop_limit"`
	Quantity   decimal.Decimal  `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price"`
	Currency   string           `json:"currency"`
}

func (r orderCheckRequest) toOrder(defaultCurrency string) events.OrderRequested {
	o := events.OrderRequested{
		OrderID:   r.OrderID,
		UserID:    r.UserID,
		Symbol:    r.Symbol,
		Side:      events.Side(r.Side),
		OrderType: events.OrderType(r.OrderType),
		Quantity:  r.Quantity,
	}
	if o.OrderID == "" {
		o.OrderID = uuid.NewString()
	}
	if r.LimitPrice != nil {
		ccy := r.Currency
		if ccy == "" {
			ccy = defaultCurrency
		}
		p := money.New(*r.LimitPrice, ccy)
		o.LimitPrice = &p
	}
	return o
}

func (s *Server) handleCheckOrder(c *gin.Context) {
	var req orderCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order", "details": err.Error()})
		return
	}
	if !req.Quantity.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order", "details": "quantity must be positive"})
		return
	}
	decision, err := s.svc.Submit(c.Request.Context(), req.toOrder(s.svc.Engine().Book().Currency()))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.svc.Engine().Breakers().List()})
}

func (s *Server) handleClearBreaker(c *gin.Context) {
	symbol := c.Param("symbol")
	if !s.svc.Engine().Breakers().Clear(symbol) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no circuit breaker for symbol"})
		return
	}
	s.logger.Warn("Circuit breaker cleared manually", zap.String("symbol", symbol))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	if s.dead == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dead-letter store unavailable"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}
	list, err := s.dead.List(limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": list})
}
