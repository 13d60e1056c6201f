package billing

import (
	"net/http"

	"imagegen-billing/internal/domain/ledger"

	"github.com/gin-gonic/gin"
)

func (h *Handler) GetPaymentHistory(c *gin.Context) {
	userID := c.GetUint("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	page, limit := pageParams(c)
	payments, total, err := h.payments.Payments(c.Request.Context(), userID, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load payments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": payments, "total": total, "page": page})
}

func (h *Handler) GetLedger(c *gin.Context) {
	userID := c.GetUint("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	page, limit := pageParams(c)
	filter := ledger.EntryFilter{UserID: &userID, Page: page, Limit: limit}
	if v := c.Query("reason"); v != "" {
		reason := ledger.Reason(v)
		if !reason.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown reason"})
			return
		}
		filter.Reason = &reason
	}

	entries, total, err := h.ledger.Entries(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load ledger"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": entries, "total": total, "page": page})
}

func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.GetUint("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	ctx := c.Request.Context()
	// An overdue subscription forfeits before the balance is shown.
	if _, err := h.subs.Current(ctx, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load subscription"})
		return
	}
	bal, err := h.ledger.Get(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load balance"})
		return
	}
	c.JSON(http.StatusOK, bal)
}
