package routes

import (
	adminapi "imagegen-billing/internal/api/admin"
	"imagegen-billing/internal/api/billing"
	"imagegen-billing/internal/api/consume"
	"imagegen-billing/internal/api/plans"
	stripewebhooks "imagegen-billing/internal/api/stripewebhook"
	"imagegen-billing/internal/api/users"
	"imagegen-billing/internal/app/http/middleware"
	"imagegen-billing/internal/domain/subscriptions"

	"github.com/gin-gonic/gin"
)

type Handlers struct {
	Billing *billing.Handler
	Webhook *stripewebhooks.Handler
	Plans   *plans.Handler
	Consume *consume.Handler
	Users   *users.Handler
	Admin   *adminapi.Handler

	Subs      *subscriptions.Machine
	JWTSecret string
}

func RegisterRoutes(r *gin.Engine, h Handlers) {
	// The webhook needs the raw body for signature verification.
	r.POST("/webhook", h.Webhook.StripeWebhook)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	public := r.Group("/")
	public.GET("/plans", h.Plans.ListPlans)
	public.GET("/packages", h.Plans.ListPackages)

	// Authenticated
	auth := r.Group("/")
	auth.Use(middleware.AuthMiddleware(h.JWTSecret), middleware.SanitizeAndCleanInputMiddleware())
	auth.GET("/me", h.Users.GetCurrentUser)
	auth.GET("/balance", h.Billing.GetBalance)
	auth.GET("/ledger", h.Billing.GetLedger)
	auth.GET("/payments", h.Billing.GetPaymentHistory)
	auth.POST("/payments/confirm", h.Billing.ConfirmPayment)
	auth.POST("/create-checkout-session", h.Billing.CreateCheckoutSession)

	auth.GET("/subscription", h.Billing.GetSubscription)
	auth.GET("/subscription/history", h.Billing.GetSubscriptionHistory)
	auth.POST("/subscription/upgrade", h.Billing.UpgradeSubscription)

	auth.POST("/consume", h.Consume.Consume)
	auth.POST("/consume/refund", h.Consume.Refund)

	// Subscribed users
	subscribed := auth.Group("/")
	subscribed.Use(middleware.RequireActiveSubscription(h.Subs))
	subscribed.POST("/subscription/cancel", h.Billing.CancelSubscription)

	// Admin routes
	admin := r.Group("/admin")
	admin.Use(middleware.AuthMiddleware(h.JWTSecret), middleware.RequireRole("admin"), middleware.SanitizeAndCleanInputMiddleware())
	admin.GET("/dashboard", h.Admin.AdminDashboard)
	admin.GET("/inconsistencies", h.Admin.ListInconsistencies)
	admin.POST("/inconsistencies/:id/resolve", h.Admin.ResolveInconsistency)
	admin.GET("/users/:id", h.Admin.GetUserDetails)
	admin.POST("/users/:id/adjust", h.Admin.AdjustBalance)
	admin.POST("/users/:id/rebuild", h.Admin.RebuildBalance)
	admin.GET("/ledger/export", h.Admin.ExportLedger)
	admin.POST("/sync-plans", h.Plans.SyncPlansFromStripe)
}
