package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Metadata keys written on checkout sessions and read back on confirmation.
const (
	MetaUserID      = "user_id"
	MetaKind        = "kind"
	MetaPlanID      = "plan_id"
	MetaPackageID   = "package_id"
	MetaPoints      = "points"
	MetaBonusPoints = "bonus_points"
)

// Gateway event types that carry a payment.
const (
	EventCheckoutCompleted           = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceed = "checkout.session.async_payment_succeeded"
	EventSubscriptionUpdated         = "customer.subscription.updated"
	EventSubscriptionDeleted         = "customer.subscription.deleted"
	EventInvoicePaid                 = "invoice.paid"
	EventInvoicePaymentSucceeded     = "invoice.payment_succeeded"
)

// BillingReasonSubscriptionCycle marks the invoice of a period renewal. The
// first period is paid through checkout and never reaches the invoice path.
const BillingReasonSubscriptionCycle = "subscription_cycle"

// PaymentEvent is a confirmed payment normalized from either channel.
type PaymentEvent struct {
	UserID      uint
	Kind        Kind
	AmountMinor int64
	Currency    string
	// PointQuantity and BonusPoints are zero when the payment did not carry
	// them explicitly.
	PointQuantity          int64
	BonusPoints            int64
	PlanID                 *uint
	PackageID              *uint
	ExternalReference      string
	ExternalSubscriptionID string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	Raw                    json.RawMessage
}

// CheckoutSession is the provider-neutral view of a checkout session.
type CheckoutSession struct {
	ID                string
	Mode              string
	PaymentStatus     string
	ClientReferenceID string
	AmountTotal       int64
	Currency          string
	SubscriptionID    string
	Metadata          map[string]string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	Raw               json.RawMessage
}

// Paid reports whether the session's money has been captured.
func (s CheckoutSession) Paid() bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

// RemoteStatusCanceled is the normalized status of a subscription the
// provider has ended.
const RemoteStatusCanceled = "canceled"

// RemoteStatusActive covers trialing subscriptions too.
const RemoteStatusActive = "active"

// RemoteSubscription is the provider-neutral view of a subscription object.
type RemoteSubscription struct {
	ID                string
	Status            string
	CancelAtPeriodEnd bool
	PriceID           string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
}

// RemoteInvoice is the provider-neutral view of a paid invoice.
type RemoteInvoice struct {
	ID             string
	SubscriptionID string
	BillingReason  string
	Paid           bool
	AmountPaid     int64
	Currency       string
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	Raw            json.RawMessage
}

// GatewayEvent is a verified webhook delivery.
type GatewayEvent struct {
	ID           string
	Type         string
	Session      *CheckoutSession
	Subscription *RemoteSubscription
	Invoice      *RemoteInvoice
}

type NewCheckoutInput struct {
	UserID        uint
	Subscription  bool
	PriceID       string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
	CustomerEmail string
}

type NewCheckoutResult struct {
	SessionID string
	URL       string
}

// Gateway is the payment provider boundary. Implementations must never be
// called inside a database transaction.
type Gateway interface {
	VerifyEvent(payload []byte, signature string) (GatewayEvent, error)
	GetCheckoutSession(ctx context.Context, id string) (CheckoutSession, error)
	NewCheckoutSession(ctx context.Context, in NewCheckoutInput) (NewCheckoutResult, error)
	CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error
}

// EventFromSession normalizes a paid checkout session. The session id is
// the external reference on both channels.
func EventFromSession(s CheckoutSession) (PaymentEvent, error) {
	if s.ID == "" {
		return PaymentEvent{}, fmt.Errorf("%w: session id missing", ErrInvalidEvent)
	}

	md := s.Metadata
	ev := PaymentEvent{
		AmountMinor:            s.AmountTotal,
		Currency:               strings.ToLower(s.Currency),
		ExternalReference:      s.ID,
		ExternalSubscriptionID: s.SubscriptionID,
		PeriodStart:            s.PeriodStart,
		PeriodEnd:              s.PeriodEnd,
		Raw:                    s.Raw,
	}

	uid := parseUint(md[MetaUserID])
	if uid == 0 {
		uid = parseUint(s.ClientReferenceID)
	}
	if uid == 0 {
		return ev, fmt.Errorf("%w: user id missing", ErrInvalidEvent)
	}
	ev.UserID = uid

	ev.Kind = Kind(md[MetaKind])
	if ev.Kind == "" {
		if s.Mode == "subscription" {
			ev.Kind = KindSubscription
		} else {
			ev.Kind = KindPointsPackage
		}
	}
	if !ev.Kind.Valid() {
		return ev, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}

	if id := parseUint(md[MetaPlanID]); id != 0 {
		ev.PlanID = &id
	}
	if id := parseUint(md[MetaPackageID]); id != 0 {
		ev.PackageID = &id
	}
	ev.PointQuantity = parseInt(md[MetaPoints])
	ev.BonusPoints = parseInt(md[MetaBonusPoints])
	return ev, nil
}

func parseUint(s string) uint {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return uint(v)
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
