package billing

import (
	"errors"
	"net/http"

	"imagegen-billing/internal/domain/billing"
	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/internal/domain/subscriptions"
	"imagegen-billing/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SubscriptionResponse struct {
	Subscription *subscriptions.Subscription `json:"subscription"`
	Status       string                      `json:"status"`
}

func subscriptionResponse(sub *subscriptions.Subscription) SubscriptionResponse {
	if sub == nil {
		return SubscriptionResponse{Status: "none"}
	}
	return SubscriptionResponse{Subscription: sub, Status: string(sub.EffectiveStatus())}
}

// GetSubscription reads through the lazy-expiring accessor, so an overdue
// subscription is expired and its points forfeited by this call.
func (h *Handler) GetSubscription(c *gin.Context) {
	userID := c.GetUint("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not identified"})
		return
	}

	sub, err := h.subs.Current(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load subscription"})
		return
	}
	c.JSON(http.StatusOK, subscriptionResponse(sub))
}

func (h *Handler) GetSubscriptionHistory(c *gin.Context) {
	userID := c.GetUint("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not identified"})
		return
	}

	ctx := c.Request.Context()
	// Expire first so history never shows a stale active row.
	if _, err := h.subs.Current(ctx, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load subscription"})
		return
	}
	history, err := h.subs.History(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load subscriptions"})
		return
	}
	c.JSON(http.StatusOK, history)
}

func (h *Handler) CancelSubscription(c *gin.Context) {
	var body struct {
		Immediate bool `json:"immediate"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	userID := c.GetUint("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not identified"})
		return
	}

	sub, err := h.subs.Cancel(c.Request.Context(), userID, body.Immediate)
	switch {
	case err == nil:
		logger.Log.Info("subscription cancelled by user",
			zap.Uint("user_id", userID),
			zap.Bool("immediate", body.Immediate),
		)
		c.JSON(http.StatusOK, subscriptionResponse(sub))
	case errors.Is(err, subscriptions.ErrNoActiveSubscription):
		c.JSON(http.StatusNotFound, gin.H{"error": "No active subscription"})
	case errors.Is(err, subscriptions.ErrRemoteCancel):
		logger.Log.Warn("remote cancellation refused", zap.Uint("user_id", userID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment provider refused the cancellation, nothing was changed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel subscription"})
	}
}

// UpgradeSubscription sends the user to pay for a bigger plan. The switch
// itself happens when the upgrade payment is reconciled.
func (h *Handler) UpgradeSubscription(c *gin.Context) {
	var body struct {
		PlanID uint `json:"plan_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.PlanID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing or invalid plan_id"})
		return
	}

	userID := c.GetUint("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not identified"})
		return
	}
	ctx := c.Request.Context()

	target, err := h.catalog.Plan(ctx, body.PlanID)
	if errors.Is(err, plans.ErrPlanNotFound) || (err == nil && (!target.Active || target.StripePriceID == nil)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown plan"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load plan"})
		return
	}

	current, err := h.subs.Current(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load subscription"})
		return
	}
	if current != nil && current.IsActive(h.now()) {
		if current.PlanID == target.ID {
			c.JSON(http.StatusConflict, gin.H{"error": "Already on this plan"})
			return
		}
		if !plans.IsUpgrade(current.Plan, target) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Target plan is not an upgrade"})
			return
		}
	}

	in := planCheckout(userID, target, billing.KindSubscriptionUpgrade)
	in.SuccessURL = h.successURL()
	in.CancelURL = h.cancelURL()
	in.CustomerEmail = c.GetString("email")

	s, err := h.gateway.NewCheckoutSession(ctx, in)
	if err != nil {
		logger.Log.Error("upgrade checkout failed", zap.Uint("user_id", userID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to create checkout session"})
		return
	}

	resp := subscriptionResponse(current)
	c.JSON(http.StatusOK, gin.H{
		"subscription": resp.Subscription,
		"status":       resp.Status,
		"redirect_url": s.URL,
		"session_id":   s.SessionID,
	})
}
