package billing

import (
	"errors"
	"net/http"
	"strconv"

	"imagegen-billing/internal/domain/billing"
	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CreateCheckoutSession starts a payment for exactly one catalog entry. The
// catalog's point quantity travels in the session metadata so both
// confirmation channels credit the same amount.
func (h *Handler) CreateCheckoutSession(c *gin.Context) {
	var body struct {
		PlanID    uint `json:"plan_id"`
		PackageID uint `json:"package_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || (body.PlanID == 0) == (body.PackageID == 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Provide exactly one of plan_id or package_id"})
		return
	}

	userID := c.GetUint("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not identified"})
		return
	}
	ctx := c.Request.Context()

	var in billing.NewCheckoutInput
	if body.PlanID != 0 {
		plan, err := h.catalog.Plan(ctx, body.PlanID)
		if err != nil || !plan.Active || plan.StripePriceID == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown plan"})
			return
		}

		current, err := h.subs.Current(ctx, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load subscription"})
			return
		}
		if current != nil && current.IsActive(h.now()) {
			c.JSON(http.StatusConflict, gin.H{"error": "Subscription already active, use /subscription/upgrade"})
			return
		}
		in = planCheckout(userID, plan, billing.KindSubscription)
	} else {
		pkg, err := h.catalog.Package(ctx, body.PackageID)
		if err != nil || !pkg.Active || pkg.StripePriceID == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown package"})
			return
		}
		in = billing.NewCheckoutInput{
			UserID:  userID,
			PriceID: *pkg.StripePriceID,
			Metadata: map[string]string{
				billing.MetaUserID:      strconv.FormatUint(uint64(userID), 10),
				billing.MetaKind:        string(billing.KindPointsPackage),
				billing.MetaPackageID:   strconv.FormatUint(uint64(pkg.ID), 10),
				billing.MetaPoints:      strconv.FormatInt(pkg.Points, 10),
				billing.MetaBonusPoints: strconv.FormatInt(pkg.BonusPoints, 10),
			},
		}
	}
	in.SuccessURL = h.successURL()
	in.CancelURL = h.cancelURL()
	in.CustomerEmail = c.GetString("email")

	s, err := h.gateway.NewCheckoutSession(ctx, in)
	if err != nil {
		logger.Log.Error("checkout session failed", zap.Uint("user_id", userID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": s.URL, "session_id": s.SessionID})
}

func planCheckout(userID uint, plan *plans.Plan, kind billing.Kind) billing.NewCheckoutInput {
	return billing.NewCheckoutInput{
		UserID:       userID,
		Subscription: true,
		PriceID:      *plan.StripePriceID,
		Metadata: map[string]string{
			billing.MetaUserID: strconv.FormatUint(uint64(userID), 10),
			billing.MetaKind:   string(kind),
			billing.MetaPlanID: strconv.FormatUint(uint64(plan.ID), 10),
			billing.MetaPoints: strconv.FormatInt(plan.Points, 10),
		},
	}
}

// ConfirmPayment is called by the browser after the checkout redirect. It
// may run before, after or instead of the webhook for the same session.
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing or invalid session_id"})
		return
	}

	userID := c.GetUint("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not identified"})
		return
	}

	res, err := h.reconciler.Confirm(c.Request.Context(), userID, body.SessionID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case res.Outcome == billing.OutcomeInconsistent:
		// Recorded for operators; the payment itself went through.
		c.JSON(http.StatusAccepted, gin.H{
			"outcome": res.Outcome,
			"message": "Payment received, your points will be credited after review",
		})
	case errors.Is(err, billing.ErrPaymentNotCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "Payment not completed"})
	case errors.Is(err, billing.ErrSessionOwnership):
		c.JSON(http.StatusForbidden, gin.H{"error": "Checkout session does not belong to you"})
	case errors.Is(err, billing.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid checkout session"})
	case errors.Is(err, billing.ErrGateway):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Could not verify payment, try again"})
	default:
		logger.Log.Error("payment confirmation failed", zap.Uint("user_id", userID), zap.String("session_id", body.SessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to confirm payment"})
	}
}
