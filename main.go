package main

import (
	"context"
	"log"
	"time"

	"imagegen-billing/config"
	"imagegen-billing/database"
	adminapi "imagegen-billing/internal/api/admin"
	billingapi "imagegen-billing/internal/api/billing"
	consumeapi "imagegen-billing/internal/api/consume"
	plansapi "imagegen-billing/internal/api/plans"
	stripewebhooks "imagegen-billing/internal/api/stripewebhook"
	usersapi "imagegen-billing/internal/api/users"
	routes "imagegen-billing/internal/app/http"
	"imagegen-billing/internal/domain/billing"
	"imagegen-billing/internal/domain/consumption"
	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/internal/domain/quota"
	"imagegen-billing/internal/domain/subscriptions"
	"imagegen-billing/internal/infra/alert"
	"imagegen-billing/internal/infra/stripe"
	"imagegen-billing/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// gin.SetMode(gin.ReleaseMode) uncomment only in production
	config.LoadEnv()

	if err := logger.InitLogger(&logger.Config{
		Level:      config.LOG_LEVEL,
		Filename:   config.LOG_FILENAME,
		MaxSize:    config.LOG_MAX_SIZE,
		MaxBackups: config.LOG_MAX_BACKUPS,
		MaxAge:     config.LOG_MAX_AGE,
		Compress:   config.LOG_COMPRESS,
	}); err != nil {
		log.Fatal("❌ Failed to init logger:", err)
	}
	defer logger.Sync()

	database.InitDB(config.DB_URL)
	db := database.DB

	catalog := plans.NewCatalog(db)
	if err := catalog.EnsureDefaults(context.Background(), config.POINTS_PACKAGE_VALIDITY_DAYS); err != nil {
		logger.Log.Fatal("failed to seed catalog", zap.Error(err))
	}

	gateway := stripe.NewGateway(config.STRIPE_SECRET_KEY, config.STRIPE_WEBHOOK_SECRET)

	notifiers := alert.Multi{alert.LogNotifier{Log: logger.Log}}
	if config.ALERT_WEBHOOK_URL != "" {
		notifiers = append(notifiers, alert.NewWebhookNotifier(config.ALERT_WEBHOOK_URL, 5*time.Second))
	}

	ledgerStore := ledger.NewStore(db)
	tracker := quota.NewTracker(db, config.FREE_DAILY_USES)
	subs := subscriptions.NewMachine(db, gateway)
	payments := billing.NewStore(db)
	reconciler := billing.NewReconciler(db, catalog, subs, gateway, notifiers, billing.Config{
		LegacyPriceFallback: config.LEGACY_PRICE_POINTS_FALLBACK,
		PackageValidityDays: config.POINTS_PACKAGE_VALIDITY_DAYS,
	})
	guard := consumption.NewGuard(db, ledgerStore, tracker, subs)

	if config.LEGACY_PRICE_POINTS_FALLBACK {
		logger.Log.Warn("legacy price-based points fallback is enabled")
	}

	r := gin.Default()

	// ✅ Add CORS middleware BEFORE registering routes
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{config.CORS_ORIGIN},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	routes.RegisterRoutes(r, routes.Handlers{
		Billing: billingapi.NewHandler(billingapi.Deps{
			Reconciler: reconciler,
			Payments:   payments,
			Gateway:    gateway,
			Catalog:    catalog,
			Ledger:     ledgerStore,
			Subs:       subs,
			AppURL:     config.APP_URL,
		}),
		Webhook: stripewebhooks.NewHandler(reconciler),
		Plans:   plansapi.NewHandler(catalog, gateway, config.POINTS_PACKAGE_VALIDITY_DAYS),
		Consume: consumeapi.NewHandler(guard),
		Users:   usersapi.NewHandler(subs, ledgerStore, tracker),
		Admin: adminapi.NewHandler(adminapi.Deps{
			Payments: payments,
			Ledger:   ledgerStore,
			Subs:     subs,
			Quota:    tracker,
		}),
		Subs:      subs,
		JWTSecret: config.JWT_SECRET,
	})

	logger.Log.Info("server starting", zap.String("port", config.PORT))
	if err := r.Run(":" + config.PORT); err != nil {
		logger.Log.Fatal("server stopped", zap.Error(err))
	}
}
