package stripewebhooks

import (
	"errors"
	"io"
	"net/http"

	"imagegen-billing/internal/domain/billing"
	"imagegen-billing/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxBodyBytes = 65536

type Handler struct {
	reconciler *billing.Reconciler
}

func NewHandler(r *billing.Reconciler) *Handler {
	return &Handler{reconciler: r}
}

// StripeWebhook acknowledges everything Stripe should stop retrying: applied,
// duplicate, ignored and recorded-as-inconsistent events all get 200. Only
// storage failures return 5xx so the delivery is retried.
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := readStripeBody(c, maxBodyBytes)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Error reading request body"})
		return
	}

	res, err := h.reconciler.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, billing.ErrUnverifiedEvent):
		logger.Log.Warn("stripe signature verification failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Signature verification failed"})
		return
	case err != nil && res.Outcome != billing.OutcomeInconsistent:
		logger.Log.Error("stripe webhook failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process event"})
		return
	}

	status := "received"
	if res.Outcome == billing.OutcomeIgnored {
		status = "ignored"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "outcome": res.Outcome})
}

func readStripeBody(c *gin.Context, maxBytes int64) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
	return io.ReadAll(c.Request.Body)
}
