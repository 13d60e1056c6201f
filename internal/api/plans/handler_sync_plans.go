package plans

import (
	"context"
	"net/http"

	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PriceSource lists the payment provider's prices.
type PriceSource interface {
	ListPrices(ctx context.Context) ([]plans.ProviderPrice, error)
}

type Handler struct {
	catalog      *plans.Catalog
	prices       PriceSource
	validityDays int
}

func NewHandler(catalog *plans.Catalog, prices PriceSource, validityDays int) *Handler {
	return &Handler{catalog: catalog, prices: prices, validityDays: validityDays}
}

func (h *Handler) SyncPlansFromStripe(c *gin.Context) {
	ctx := c.Request.Context()

	prices, err := h.prices.ListPrices(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch Stripe prices", "details": err.Error()})
		return
	}

	report, err := h.catalog.SyncPrices(ctx, prices, h.validityDays)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sync catalog", "details": err.Error()})
		return
	}

	logger.Log.Info("catalog synced from stripe",
		zap.Int("synced", report.Synced),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", len(report.Skipped)),
	)
	c.JSON(http.StatusOK, report)
}

func (h *Handler) ListPlans(c *gin.Context) {
	list, err := h.catalog.ListPlans(c.Request.Context(), true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load plans"})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) ListPackages(c *gin.Context) {
	list, err := h.catalog.ListPackages(c.Request.Context(), true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load packages"})
		return
	}
	c.JSON(http.StatusOK, list)
}
