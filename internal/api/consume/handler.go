package consume

import (
	"errors"
	"net/http"

	"imagegen-billing/internal/domain/consumption"
	"imagegen-billing/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	guard *consumption.Guard
}

func NewHandler(g *consumption.Guard) *Handler {
	return &Handler{guard: g}
}

// Consume charges one generation. A denial is a normal outcome reported as
// 402 so the client can prompt for a purchase.
func (h *Handler) Consume(c *gin.Context) {
	var body struct {
		Cost      int64  `json:"cost"`
		RequestID string `json:"request_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Cost <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cost must be a positive integer"})
		return
	}

	userID := c.GetUint("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not identified"})
		return
	}

	d, err := h.guard.ConsumeRequest(c.Request.Context(), userID, body.Cost, body.RequestID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to charge generation"})
		return
	}
	if !d.Allowed {
		c.JSON(http.StatusPaymentRequired, d)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) Refund(c *gin.Context) {
	var body struct {
		RequestID string `json:"request_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.RequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing or invalid request_id"})
		return
	}

	userID := c.GetUint("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not identified"})
		return
	}

	res, err := h.guard.Refund(c.Request.Context(), userID, body.RequestID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, consumption.ErrNothingToRefund):
		c.JSON(http.StatusNotFound, gin.H{"error": "No points charge found for this request"})
	default:
		logger.Log.Error("refund failed", zap.Uint("user_id", userID), zap.String("request_id", body.RequestID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to refund"})
	}
}
