package billing

import (
	"strconv"
	"time"

	"imagegen-billing/internal/domain/billing"
	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/internal/domain/subscriptions"

	"github.com/gin-gonic/gin"
)

type Deps struct {
	Reconciler *billing.Reconciler
	Payments   *billing.Store
	Gateway    billing.Gateway
	Catalog    *plans.Catalog
	Ledger     *ledger.Store
	Subs       *subscriptions.Machine
	AppURL     string
}

type Handler struct {
	reconciler *billing.Reconciler
	payments   *billing.Store
	gateway    billing.Gateway
	catalog    *plans.Catalog
	ledger     *ledger.Store
	subs       *subscriptions.Machine
	appURL     string
	now        func() time.Time
}

func NewHandler(d Deps) *Handler {
	appURL := d.AppURL
	if appURL == "" {
		appURL = "http://localhost:5173"
	}
	return &Handler{
		reconciler: d.Reconciler,
		payments:   d.Payments,
		gateway:    d.Gateway,
		catalog:    d.Catalog,
		ledger:     d.Ledger,
		subs:       d.Subs,
		appURL:     appURL,
		now:        time.Now,
	}
}

func (h *Handler) successURL() string {
	return h.appURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"
}

func (h *Handler) cancelURL() string {
	return h.appURL + "/billing?canceled=1"
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	return page, limit
}
