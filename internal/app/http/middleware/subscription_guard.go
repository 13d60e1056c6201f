package middleware

import (
	"net/http"
	"time"

	"imagegen-billing/internal/domain/subscriptions"

	"github.com/gin-gonic/gin"
)

// RequireActiveSubscription admits users with a running subscription. The
// check goes through Current, so an overdue subscription is expired here.
func RequireActiveSubscription(subs *subscriptions.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("user_id")

		sub, err := subs.Current(c.Request.Context(), userID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to load subscription",
			})
			return
		}
		if sub == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Subscription not found",
			})
			return
		}
		if !sub.IsActive(time.Now()) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error": "Your subscription has expired",
			})
			return
		}

		c.Set("subscription", sub)
		c.Next()
	}
}
