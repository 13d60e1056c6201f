package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"imagegen-billing/database"
	adminapi "imagegen-billing/internal/api/admin"
	billingapi "imagegen-billing/internal/api/billing"
	consumeapi "imagegen-billing/internal/api/consume"
	plansapi "imagegen-billing/internal/api/plans"
	stripewebhooks "imagegen-billing/internal/api/stripewebhook"
	usersapi "imagegen-billing/internal/api/users"
	"imagegen-billing/internal/domain/billing"
	"imagegen-billing/internal/domain/consumption"
	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/internal/domain/quota"
	"imagegen-billing/internal/domain/subscriptions"
	"imagegen-billing/internal/infra/alert"
	"imagegen-billing/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testSecret     = "test-jwt-secret"
	validSignature = "t=1,v1=valid"
)

type fakeGateway struct {
	mu        sync.Mutex
	sessions  map[string]billing.CheckoutSession
	events    map[string]billing.GatewayEvent
	checkouts []billing.NewCheckoutInput
	cancelled []string
	prices    []plans.ProviderPrice
}

func (g *fakeGateway) VerifyEvent(payload []byte, signature string) (billing.GatewayEvent, error) {
	if signature != validSignature {
		return billing.GatewayEvent{}, errors.New("no signatures found matching the expected signature for payload")
	}
	evt, ok := g.events[string(payload)]
	if !ok {
		return billing.GatewayEvent{}, errors.New("unknown payload")
	}
	return evt, nil
}

func (g *fakeGateway) GetCheckoutSession(_ context.Context, id string) (billing.CheckoutSession, error) {
	s, ok := g.sessions[id]
	if !ok {
		return billing.CheckoutSession{}, errors.New("No such checkout.session")
	}
	return s, nil
}

func (g *fakeGateway) NewCheckoutSession(_ context.Context, in billing.NewCheckoutInput) (billing.NewCheckoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts = append(g.checkouts, in)
	id := "cs_" + strconv.Itoa(len(g.checkouts))
	return billing.NewCheckoutResult{SessionID: id, URL: "https://checkout.test/" + id}, nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, externalID string, _ bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, externalID)
	return nil
}

func (g *fakeGateway) ListPrices(context.Context) ([]plans.ProviderPrice, error) {
	return g.prices, nil
}

// paid turns the last checkout the gateway saw into a completed session.
func (g *fakeGateway) paid(sessionID, subscriptionID string) billing.CheckoutSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	in := g.checkouts[len(g.checkouts)-1]
	mode := "payment"
	if in.Subscription {
		mode = "subscription"
	}
	s := billing.CheckoutSession{
		ID:             sessionID,
		Mode:           mode,
		PaymentStatus:  "paid",
		AmountTotal:    999,
		Currency:       "usd",
		SubscriptionID: subscriptionID,
		Metadata:       in.Metadata,
	}
	g.sessions[sessionID] = s
	g.events["evt_"+sessionID] = billing.GatewayEvent{ID: "evt_" + sessionID, Type: billing.EventCheckoutCompleted, Session: &s}
	return s
}

type env struct {
	r      *gin.Engine
	db     *gorm.DB
	gw     *fakeGateway
	alerts *alert.Recorder
	basic  *plans.Plan
	studio *plans.Plan
	value  *plans.Package
}

func newEnv(t *testing.T) *env {
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	require.NoError(t, database.Migrate(db))
	ctx := context.Background()

	catalog := plans.NewCatalog(db)
	require.NoError(t, catalog.EnsureDefaults(ctx, 60))
	for slug, price := range map[string]string{"basic-monthly": "price_basic", "studio-yearly": "price_studio"} {
		require.NoError(t, db.Model(&plans.Plan{}).Where("slug = ?", slug).Update("stripe_price_id", price).Error)
	}
	require.NoError(t, db.Model(&plans.Package{}).Where("slug = ?", "value-pack").Update("stripe_price_id", "price_value").Error)

	e := &env{
		db:     db,
		gw:     &fakeGateway{sessions: map[string]billing.CheckoutSession{}, events: map[string]billing.GatewayEvent{}},
		alerts: &alert.Recorder{},
	}
	var err error
	e.basic, err = catalog.PlanBySlug(ctx, "basic-monthly")
	require.NoError(t, err)
	e.studio, err = catalog.PlanBySlug(ctx, "studio-yearly")
	require.NoError(t, err)
	e.value, err = catalog.PackageBySlug(ctx, "value-pack")
	require.NoError(t, err)

	ledgerStore := ledger.NewStore(db)
	tracker := quota.NewTracker(db, 10)
	subs := subscriptions.NewMachine(db, e.gw)
	payments := billing.NewStore(db)
	reconciler := billing.NewReconciler(db, catalog, subs, e.gw, e.alerts, billing.Config{PackageValidityDays: 60})

	e.r = gin.New()
	RegisterRoutes(e.r, Handlers{
		Billing: billingapi.NewHandler(billingapi.Deps{
			Reconciler: reconciler,
			Payments:   payments,
			Gateway:    e.gw,
			Catalog:    catalog,
			Ledger:     ledgerStore,
			Subs:       subs,
			AppURL:     "https://app.test",
		}),
		Webhook: stripewebhooks.NewHandler(reconciler),
		Plans:   plansapi.NewHandler(catalog, e.gw, 60),
		Consume: consumeapi.NewHandler(consumption.NewGuard(db, ledgerStore, tracker, subs)),
		Users:   usersapi.NewHandler(subs, ledgerStore, tracker),
		Admin: adminapi.NewHandler(adminapi.Deps{
			Payments: payments,
			Ledger:   ledgerStore,
			Subs:     subs,
			Quota:    tracker,
		}),
		Subs:      subs,
		JWTSecret: testSecret,
	})
	return e
}

func token(t *testing.T, userID uint, role string) string {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"email":   "user" + strconv.FormatUint(uint64(userID), 10) + "@example.com",
		"role":    role,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (e *env) do(method, path, bearer, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *env) subscribe(t *testing.T, userID uint, plan *plans.Plan, sessionID, subID string) {
	tok := token(t, userID, "user")
	w := e.do(http.MethodPost, "/create-checkout-session", tok, `{"plan_id":`+strconv.FormatUint(uint64(plan.ID), 10)+`}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	e.gw.paid(sessionID, subID)

	w = e.do(http.MethodPost, "/payments/confirm", tok, `{"session_id":"`+sessionID+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestPublicRoutes(t *testing.T) {
	e := newEnv(t)

	w := e.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/plans", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []plans.Plan
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 3)

	w = e.do(http.MethodGet, "/packages", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthIsRequired(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/balance", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/balance", "not-a-token", "").Code)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/admin/dashboard", token(t, 1, "user"), "").Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/admin/dashboard", token(t, 1, "admin"), "").Code)
}

func TestConfirmThenWebhookCreditsOnce(t *testing.T) {
	e := newEnv(t)
	tok := token(t, 7, "user")

	w := e.do(http.MethodPost, "/create-checkout-session", tok, `{"plan_id":`+strconv.FormatUint(uint64(e.basic.ID), 10)+`}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "https://checkout.test/cs_1", decode(t, w)["url"])
	in := e.gw.checkouts[0]
	assert.Equal(t, "price_basic", in.PriceID)
	assert.Equal(t, "680", in.Metadata[billing.MetaPoints])
	assert.Contains(t, in.SuccessURL, "https://app.test/")

	e.gw.paid("cs_paid_1", "sub_1")

	w = e.do(http.MethodPost, "/payments/confirm", tok, `{"session_id":"cs_paid_1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "applied", decode(t, w)["outcome"])

	w = e.do(http.MethodPost, "/webhook", "", "evt_cs_paid_1", "Stripe-Signature", validSignature)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "duplicate", decode(t, w)["outcome"])

	w = e.do(http.MethodGet, "/balance", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 680, decode(t, w)["available_points"])

	w = e.do(http.MethodGet, "/ledger", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	w = e.do(http.MethodGet, "/subscription", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", decode(t, w)["status"])

	w = e.do(http.MethodGet, "/payments", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])
}

func TestCheckoutValidation(t *testing.T) {
	e := newEnv(t)
	tok := token(t, 8, "user")

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/create-checkout-session", tok, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/create-checkout-session", tok,
		`{"plan_id":1,"package_id":1}`).Code)
	// pro-monthly has no provider price.
	pro := e.do(http.MethodPost, "/create-checkout-session", tok, `{"plan_id":2}`)
	assert.Equal(t, http.StatusBadRequest, pro.Code)

	w := e.do(http.MethodPost, "/create-checkout-session", tok, `{"package_id":`+strconv.FormatUint(uint64(e.value.ID), 10)+`}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	in := e.gw.checkouts[len(e.gw.checkouts)-1]
	assert.False(t, in.Subscription)
	assert.Equal(t, string(billing.KindPointsPackage), in.Metadata[billing.MetaKind])
	assert.Equal(t, "150", in.Metadata[billing.MetaBonusPoints])

	e.subscribe(t, 8, e.basic, "cs_sub_8", "sub_8")
	w = e.do(http.MethodPost, "/create-checkout-session", tok, `{"plan_id":`+strconv.FormatUint(uint64(e.basic.ID), 10)+`}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestConfirmRejectsForeignSession(t *testing.T) {
	e := newEnv(t)

	w := e.do(http.MethodPost, "/create-checkout-session", token(t, 9, "user"), `{"plan_id":`+strconv.FormatUint(uint64(e.basic.ID), 10)+`}`)
	require.Equal(t, http.StatusOK, w.Code)
	e.gw.paid("cs_9", "sub_9")

	w = e.do(http.MethodPost, "/payments/confirm", token(t, 10, "user"), `{"session_id":"cs_9"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/payments/confirm", token(t, 9, "user"), `{"session_id":"cs_unknown"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestWebhookSignatureAndInconsistencies(t *testing.T) {
	e := newEnv(t)
	admin := token(t, 1, "admin")

	s := billing.CheckoutSession{
		ID:            "cs_orphan",
		Mode:          "subscription",
		PaymentStatus: "paid",
		Metadata: map[string]string{
			billing.MetaUserID: "11",
			billing.MetaKind:   string(billing.KindSubscription),
			billing.MetaPlanID: "999",
		},
	}
	e.gw.events["evt_orphan"] = billing.GatewayEvent{ID: "evt_orphan", Type: billing.EventCheckoutCompleted, Session: &s}

	w := e.do(http.MethodPost, "/webhook", "", "evt_orphan", "Stripe-Signature", "t=1,v1=forged")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/webhook", "", "evt_orphan", "Stripe-Signature", validSignature)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "inconsistent", decode(t, w)["outcome"])

	// Redelivery is acknowledged again without a second record.
	w = e.do(http.MethodPost, "/webhook", "", "evt_orphan", "Stripe-Signature", validSignature)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/admin/inconsistencies", admin, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []billing.Inconsistency
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "cs_orphan", list[0].ExternalReference)

	w = e.do(http.MethodPost, "/admin/inconsistencies/"+list[0].ID+"/resolve", admin, `{"note":"credited by hand"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(http.MethodGet, "/admin/inconsistencies", admin, "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list)

	w = e.do(http.MethodPost, "/admin/inconsistencies/nope/resolve", admin, `{"note":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Bad signature, unresolved plan: one alert each.
	assert.Len(t, e.alerts.Alerts, 2)
}

func TestConsumeFallsBackToFreeThenNeedsPayment(t *testing.T) {
	e := newEnv(t)
	tok := token(t, 12, "user")

	for i := 0; i < 10; i++ {
		w := e.do(http.MethodPost, "/consume", tok, `{"cost":10}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "free", decode(t, w)["source"])
	}

	w := e.do(http.MethodPost, "/consume", tok, `{"cost":10}`)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "needs_payment", body["reason"])

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/consume", tok, `{"cost":0}`).Code)
}

func TestAdjustConsumeAndRefund(t *testing.T) {
	e := newEnv(t)
	admin := token(t, 1, "admin")
	tok := token(t, 13, "user")

	w := e.do(http.MethodPost, "/admin/users/13/adjust", admin, `{"delta":50,"reference":"grant-1","note":"launch credit"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(http.MethodPost, "/consume", tok, `{"cost":20,"request_id":"job_1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "points", body["source"])
	assert.EqualValues(t, 30, body["remaining"])

	w = e.do(http.MethodPost, "/consume/refund", tok, `{"request_id":"job_1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 50, decode(t, w)["balance"].(map[string]any)["available_points"])

	w = e.do(http.MethodPost, "/consume/refund", tok, `{"request_id":"job_unknown"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodPost, "/admin/users/13/adjust", admin, `{"delta":-500,"reference":"claw-1","note":"too much"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodPost, "/admin/users/13/rebuild", admin, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 50, decode(t, w)["after"].(map[string]any)["available_points"])

	w = e.do(http.MethodGet, "/admin/ledger/export?user_id=13", admin, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "ID,Time,User ID"))
	assert.Len(t, lines, 4)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/admin/ledger/export?since=yesterday", admin, "").Code)
}

func TestUpgradeAndCancel(t *testing.T) {
	e := newEnv(t)
	tok := token(t, 14, "user")

	// Cancelling needs a running subscription.
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/subscription/cancel", tok, `{}`).Code)

	e.subscribe(t, 14, e.basic, "cs_14", "sub_14")

	w := e.do(http.MethodPost, "/subscription/upgrade", tok, `{"plan_id":`+strconv.FormatUint(uint64(e.basic.ID), 10)+`}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodPost, "/subscription/upgrade", tok, `{"plan_id":`+strconv.FormatUint(uint64(e.studio.ID), 10)+`}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.NotEmpty(t, body["redirect_url"])
	assert.NotNil(t, body["subscription"])
	in := e.gw.checkouts[len(e.gw.checkouts)-1]
	assert.Equal(t, string(billing.KindSubscriptionUpgrade), in.Metadata[billing.MetaKind])

	e.gw.paid("cs_14_up", "sub_14_up")
	w = e.do(http.MethodPost, "/webhook", "", "evt_cs_14_up", "Stripe-Signature", validSignature)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(http.MethodGet, "/balance", tok, "")
	assert.EqualValues(t, 8680, decode(t, w)["available_points"])
	assert.Contains(t, e.gw.cancelled, "sub_14")

	w = e.do(http.MethodPost, "/subscription/cancel", tok, `{"immediate":false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cancelled_pending", decode(t, w)["status"])
	assert.Contains(t, e.gw.cancelled, "sub_14_up")

	w = e.do(http.MethodGet, "/subscription/history", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	var history []subscriptions.Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, 2)

	w = e.do(http.MethodGet, "/me", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	var me usersapi.MeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, "subscribed", me.Access.State)
	assert.Equal(t, plans.TierStudio, me.Access.Tier)
	assert.NotNil(t, me.Access.EndsAt)
	assert.Equal(t, int64(8680), me.Billing.Balance.Available)
	assert.Equal(t, 10, me.Quota.FreeUsesRemaining)
}

func TestAdminSyncPlans(t *testing.T) {
	e := newEnv(t)
	e.gw.prices = []plans.ProviderPrice{{
		ID: "price_pro", ProductName: "Pro", UnitAmount: 2999, Currency: "usd",
		Recurring: true, Interval: "month", Active: true,
		Metadata: map[string]string{"slug": "pro-monthly", "points": "2400"},
	}}

	w := e.do(http.MethodPost, "/admin/sync-plans", token(t, 1, "admin"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 1, body["synced"])
	assert.EqualValues(t, 1, body["updated"])

	// pro-monthly is now purchasable.
	w = e.do(http.MethodPost, "/create-checkout-session", token(t, 15, "user"), `{"plan_id":2}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
