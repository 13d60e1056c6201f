package users

import (
	"net/http"
	"time"

	"imagegen-billing/internal/domain/access"
	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/quota"
	"imagegen-billing/internal/domain/subscriptions"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	subs   *subscriptions.Machine
	ledger *ledger.Store
	quota  *quota.Tracker
	now    func() time.Time
}

func NewHandler(subs *subscriptions.Machine, l *ledger.Store, q *quota.Tracker) *Handler {
	return &Handler{subs: subs, ledger: l, quota: q, now: time.Now}
}

// GetCurrentUser summarizes what the user can do right now. The
// subscription is read first so an overdue one forfeits before the balance
// is shown.
func (h *Handler) GetCurrentUser(c *gin.Context) {
	userID := c.GetUint("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	ctx := c.Request.Context()

	sub, err := h.subs.Current(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load subscription"})
		return
	}
	bal, err := h.ledger.Get(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load balance"})
		return
	}
	today, err := h.quota.Today(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load quota"})
		return
	}

	now := h.now()
	policy := access.ComputePolicy(now, sub, bal, today.FreeUsesRemaining)

	resp := MeResponse{
		User: UserDTO{
			ID:    userID,
			Email: c.GetString("email"),
			Role:  c.GetString("role"),
		},
		Billing: BillingDTO{
			Plan:         BuildPlanDTO(activeOnly(now, sub)),
			Subscription: BuildSubscriptionDTO(now, sub),
			Balance:      BuildBalanceDTO(bal),
		},
		Quota:  BuildQuotaDTO(today),
		Access: BuildAccessDTO(policy),
	}

	c.JSON(http.StatusOK, resp)
}

func activeOnly(now time.Time, sub *subscriptions.Subscription) *subscriptions.Subscription {
	if sub == nil || !sub.IsActive(now) {
		return nil
	}
	return sub
}
