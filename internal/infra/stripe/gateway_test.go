package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"imagegen-billing/internal/domain/billing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gostripe "github.com/stripe/stripe-go/v75"
)

const testSecret = "whsec_test"

func sign(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

const checkoutPayload = `{
  "id": "evt_1",
  "object": "event",
  "api_version": "2023-08-16",
  "type": "checkout.session.completed",
  "data": {"object": {
    "id": "cs_test_1",
    "object": "checkout.session",
    "mode": "subscription",
    "payment_status": "paid",
    "client_reference_id": "7",
    "amount_total": 999,
    "currency": "usd",
    "subscription": "sub_1",
    "metadata": {"user_id": "7", "kind": "subscription", "plan_id": "1", "points": "680"}
  }}
}`

func TestVerifyEventParsesCheckoutSession(t *testing.T) {
	g := &Gateway{webhookSecret: testSecret}
	payload := []byte(checkoutPayload)

	evt, err := g.VerifyEvent(payload, sign(payload, testSecret))
	require.NoError(t, err)
	assert.Equal(t, billing.EventCheckoutCompleted, evt.Type)
	require.NotNil(t, evt.Session)
	assert.Equal(t, "cs_test_1", evt.Session.ID)
	assert.Equal(t, "sub_1", evt.Session.SubscriptionID)
	assert.True(t, evt.Session.Paid())
	assert.NotEmpty(t, evt.Session.Raw)

	ev, err := billing.EventFromSession(*evt.Session)
	require.NoError(t, err)
	assert.Equal(t, uint(7), ev.UserID)
	assert.Equal(t, int64(680), ev.PointQuantity)
	assert.Equal(t, "cs_test_1", ev.ExternalReference)
}

func TestVerifyEventRejectsBadSignature(t *testing.T) {
	g := &Gateway{webhookSecret: testSecret}
	payload := []byte(checkoutPayload)

	_, err := g.VerifyEvent(payload, sign(payload, "whsec_other"))
	assert.Error(t, err)

	_, err = g.VerifyEvent(payload, "")
	assert.Error(t, err)

	_, err = (&Gateway{}).VerifyEvent(payload, sign(payload, testSecret))
	assert.Error(t, err)
}

func TestVerifyEventParsesSubscription(t *testing.T) {
	g := &Gateway{webhookSecret: testSecret}
	payload := []byte(`{"id":"evt_2","object":"event","type":"customer.subscription.updated",
		"data":{"object":{"id":"sub_1","object":"subscription","status":"trialing","cancel_at_period_end":true,
		"current_period_start":1782864000,"current_period_end":1785542400,
		"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":"price_pro","object":"price"}}]}}}}`)

	evt, err := g.VerifyEvent(payload, sign(payload, testSecret))
	require.NoError(t, err)
	require.NotNil(t, evt.Subscription)
	assert.Equal(t, "sub_1", evt.Subscription.ID)
	assert.Equal(t, billing.RemoteStatusActive, evt.Subscription.Status)
	assert.True(t, evt.Subscription.CancelAtPeriodEnd)
	assert.Equal(t, "price_pro", evt.Subscription.PriceID)
	require.NotNil(t, evt.Subscription.PeriodEnd)
	assert.Equal(t, time.Unix(1782864000, 0).UTC(), *evt.Subscription.PeriodStart)
	assert.Equal(t, time.Unix(1785542400, 0).UTC(), *evt.Subscription.PeriodEnd)
}

func TestVerifyEventParsesRenewalInvoice(t *testing.T) {
	g := &Gateway{webhookSecret: testSecret}
	payload := []byte(`{"id":"evt_3","object":"event","type":"invoice.paid",
		"data":{"object":{"id":"in_1","object":"invoice","billing_reason":"subscription_cycle",
		"paid":true,"amount_paid":999,"currency":"usd","subscription":"sub_1",
		"period_start":1780272000,"period_end":1782864000,
		"lines":{"object":"list","data":[
			{"id":"il_1","object":"line_item","period":{"start":1782864000,"end":1785542400}}
		]}}}}`)

	evt, err := g.VerifyEvent(payload, sign(payload, testSecret))
	require.NoError(t, err)
	assert.Equal(t, billing.EventInvoicePaid, evt.Type)
	require.NotNil(t, evt.Invoice)
	inv := evt.Invoice
	assert.Equal(t, "in_1", inv.ID)
	assert.Equal(t, "sub_1", inv.SubscriptionID)
	assert.Equal(t, billing.BillingReasonSubscriptionCycle, inv.BillingReason)
	assert.True(t, inv.Paid)
	assert.Equal(t, int64(999), inv.AmountPaid)
	assert.Equal(t, "usd", inv.Currency)
	assert.NotEmpty(t, inv.Raw)

	// the line period is the one being paid for, not the invoice period
	require.NotNil(t, inv.PeriodEnd)
	assert.Equal(t, time.Unix(1782864000, 0).UTC(), *inv.PeriodStart)
	assert.Equal(t, time.Unix(1785542400, 0).UTC(), *inv.PeriodEnd)
}

func TestToInvoiceWithoutLines(t *testing.T) {
	inv := toInvoice(&gostripe.Invoice{ID: "in_2", BillingReason: gostripe.InvoiceBillingReasonManual})
	assert.Equal(t, "manual", inv.BillingReason)
	assert.Empty(t, inv.SubscriptionID)
	assert.Nil(t, inv.PeriodStart)
	assert.Nil(t, inv.PeriodEnd)
}

func TestToSessionUsesExpandedSubscriptionPeriod(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	cs := &gostripe.CheckoutSession{
		ID:            "cs_2",
		Mode:          gostripe.CheckoutSessionModeSubscription,
		PaymentStatus: gostripe.CheckoutSessionPaymentStatusPaid,
		Subscription: &gostripe.Subscription{
			ID:                 "sub_2",
			CurrentPeriodStart: start.Unix(),
			CurrentPeriodEnd:   end.Unix(),
		},
	}

	s := toSession(cs)
	assert.Equal(t, "subscription", s.Mode)
	require.NotNil(t, s.PeriodStart)
	assert.Equal(t, start, *s.PeriodStart)
	assert.Equal(t, end, *s.PeriodEnd)
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"":                   "none",
		"active":             "active",
		"trialing":           "active",
		"unpaid":             "past_due",
		"incomplete_expired": "canceled",
		"paused":             "paused",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeStatus(in), in)
	}
}
