// Package stripe adapts the Stripe API to the billing gateway.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"imagegen-billing/internal/domain/billing"
	"imagegen-billing/internal/domain/plans"

	gostripe "github.com/stripe/stripe-go/v75"
	checkoutsession "github.com/stripe/stripe-go/v75/checkout/session"
	"github.com/stripe/stripe-go/v75/price"
	"github.com/stripe/stripe-go/v75/subscription"
	"github.com/stripe/stripe-go/v75/webhook"
)

// Gateway talks to Stripe with the process-wide secret key.
type Gateway struct {
	webhookSecret string
}

func NewGateway(secretKey, webhookSecret string) *Gateway {
	gostripe.Key = secretKey
	return &Gateway{webhookSecret: webhookSecret}
}

func (g *Gateway) VerifyEvent(payload []byte, signature string) (billing.GatewayEvent, error) {
	if g.webhookSecret == "" {
		return billing.GatewayEvent{}, errors.New("webhook secret not configured")
	}
	event, err := webhook.ConstructEventWithOptions(
		payload,
		signature,
		g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return billing.GatewayEvent{}, err
	}
	return toGatewayEvent(event)
}

func toGatewayEvent(event gostripe.Event) (billing.GatewayEvent, error) {
	out := billing.GatewayEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return out, nil
	}

	switch {
	case strings.HasPrefix(out.Type, "checkout.session."):
		var cs gostripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return out, fmt.Errorf("parse checkout session: %w", err)
		}
		s := toSession(&cs)
		s.Raw = event.Data.Raw
		out.Session = &s

	case strings.HasPrefix(out.Type, "customer.subscription."):
		var sub gostripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return out, fmt.Errorf("parse subscription: %w", err)
		}
		out.Subscription = toRemoteSubscription(&sub)

	case strings.HasPrefix(out.Type, "invoice."):
		var inv gostripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return out, fmt.Errorf("parse invoice: %w", err)
		}
		ri := toInvoice(&inv)
		ri.Raw = event.Data.Raw
		out.Invoice = &ri
	}
	return out, nil
}

func toRemoteSubscription(sub *gostripe.Subscription) *billing.RemoteSubscription {
	rs := &billing.RemoteSubscription{
		ID:                sub.ID,
		Status:            NormalizeStatus(string(sub.Status)),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	rs.PeriodStart, rs.PeriodEnd = unixPeriod(sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil {
				rs.PriceID = item.Price.ID
				break
			}
		}
	}
	return rs
}

// toInvoice takes the service period from the invoice lines. The
// invoice-level period of a renewal invoice is the period that just ended.
func toInvoice(inv *gostripe.Invoice) billing.RemoteInvoice {
	ri := billing.RemoteInvoice{
		ID:            inv.ID,
		BillingReason: string(inv.BillingReason),
		Paid:          inv.Paid,
		AmountPaid:    inv.AmountPaid,
		Currency:      string(inv.Currency),
	}
	if inv.Subscription != nil {
		ri.SubscriptionID = inv.Subscription.ID
	}
	if inv.Lines != nil {
		var start, end int64
		for _, line := range inv.Lines.Data {
			if line == nil || line.Period == nil {
				continue
			}
			if line.Period.End > end {
				start, end = line.Period.Start, line.Period.End
			}
		}
		ri.PeriodStart, ri.PeriodEnd = unixPeriod(start, end)
	}
	return ri
}

func unixPeriod(start, end int64) (*time.Time, *time.Time) {
	if start <= 0 || end <= 0 {
		return nil, nil
	}
	s := time.Unix(start, 0).UTC()
	e := time.Unix(end, 0).UTC()
	return &s, &e
}

func (g *Gateway) GetCheckoutSession(ctx context.Context, id string) (billing.CheckoutSession, error) {
	params := &gostripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")

	cs, err := checkoutsession.Get(id, params)
	if err != nil {
		return billing.CheckoutSession{}, err
	}
	s := toSession(cs)
	if cs.LastResponse != nil {
		s.Raw = cs.LastResponse.RawJSON
	}
	return s, nil
}

func toSession(cs *gostripe.CheckoutSession) billing.CheckoutSession {
	s := billing.CheckoutSession{
		ID:                cs.ID,
		Mode:              string(cs.Mode),
		PaymentStatus:     string(cs.PaymentStatus),
		ClientReferenceID: cs.ClientReferenceID,
		AmountTotal:       cs.AmountTotal,
		Currency:          string(cs.Currency),
		Metadata:          cs.Metadata,
	}
	if cs.Subscription != nil {
		s.SubscriptionID = cs.Subscription.ID
		s.PeriodStart, s.PeriodEnd = unixPeriod(cs.Subscription.CurrentPeriodStart, cs.Subscription.CurrentPeriodEnd)
	}
	return s
}

func (g *Gateway) NewCheckoutSession(ctx context.Context, in billing.NewCheckoutInput) (billing.NewCheckoutResult, error) {
	mode := gostripe.CheckoutSessionModePayment
	if in.Subscription {
		mode = gostripe.CheckoutSessionModeSubscription
	}

	params := &gostripe.CheckoutSessionParams{
		SuccessURL: gostripe.String(in.SuccessURL),
		CancelURL:  gostripe.String(in.CancelURL),
		Mode:       gostripe.String(string(mode)),
		LineItems: []*gostripe.CheckoutSessionLineItemParams{
			{Price: gostripe.String(in.PriceID), Quantity: gostripe.Int64(1)},
		},
		ClientReferenceID: gostripe.String(fmt.Sprint(in.UserID)),
	}
	params.Context = ctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.CustomerEmail != "" {
		params.CustomerEmail = gostripe.String(in.CustomerEmail)
	}
	if in.Subscription {
		params.SubscriptionData = &gostripe.CheckoutSessionSubscriptionDataParams{
			Metadata: in.Metadata,
		}
	}

	s, err := checkoutsession.New(params)
	if err != nil {
		return billing.NewCheckoutResult{}, err
	}
	return billing.NewCheckoutResult{SessionID: s.ID, URL: s.URL}, nil
}

// CancelSubscription cancels now, or flags the subscription to end with
// its current period. A subscription Stripe no longer knows is treated as
// already cancelled.
func (g *Gateway) CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error {
	var err error
	if atPeriodEnd {
		params := &gostripe.SubscriptionParams{CancelAtPeriodEnd: gostripe.Bool(true)}
		params.Context = ctx
		_, err = subscription.Update(externalID, params)
	} else {
		params := &gostripe.SubscriptionCancelParams{}
		params.Context = ctx
		_, err = subscription.Cancel(externalID, params)
	}

	var stripeErr *gostripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Code == gostripe.ErrorCodeResourceMissing {
		return nil
	}
	return err
}

// ListPrices returns the active Stripe prices with their products expanded,
// for catalog synchronization.
func (g *Gateway) ListPrices(ctx context.Context) ([]plans.ProviderPrice, error) {
	params := &gostripe.PriceListParams{}
	params.Context = ctx
	params.Active = gostripe.Bool(true)
	params.AddExpand("data.product")

	var out []plans.ProviderPrice
	it := price.List(params)
	for it.Next() {
		p := it.Price()
		if p.Product == nil || !p.Product.Active {
			continue
		}
		pp := plans.ProviderPrice{
			ID:          p.ID,
			ProductName: p.Product.Name,
			UnitAmount:  p.UnitAmount,
			Currency:    string(p.Currency),
			Active:      p.Active,
			Metadata:    p.Metadata,
		}
		if p.Recurring != nil {
			pp.Recurring = true
			pp.Interval = string(p.Recurring.Interval)
		}
		out = append(out, pp)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
