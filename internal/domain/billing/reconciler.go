package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/internal/domain/subscriptions"
	"imagegen-billing/internal/infra/alert"
	"imagegen-billing/internal/infra/pgerr"
	"imagegen-billing/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUnverifiedEvent         = errors.New("billing: webhook signature could not be verified")
	ErrUnresolvedPlanOrPackage = errors.New("billing: payment does not resolve to a plan or package")
	ErrInvalidEvent            = errors.New("billing: invalid payment event")
	ErrPaymentNotCompleted     = errors.New("billing: checkout session is not paid")
	ErrSessionOwnership        = errors.New("billing: checkout session belongs to another user")
	ErrGateway                 = errors.New("billing: payment provider request failed")
)

// errAlreadyApplied rolls back an attempt that lost to an earlier delivery.
var errAlreadyApplied = errors.New("billing: payment already applied")

type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeInconsistent Outcome = "inconsistent"
	OutcomeIgnored      Outcome = "ignored"
)

type Result struct {
	Outcome       Outcome                     `json:"outcome"`
	Payment       *Payment                    `json:"payment,omitempty"`
	Balance       *ledger.Balance             `json:"balance,omitempty"`
	Subscription  *subscriptions.Subscription `json:"subscription,omitempty"`
	Inconsistency *Inconsistency              `json:"inconsistency,omitempty"`
}

type Config struct {
	// LegacyPriceFallback enables the deprecated amount-based point lookup
	// for package payments that carry neither points nor a package id.
	LegacyPriceFallback bool
	PackageValidityDays int
}

// Reconciler is the single consumer of confirmed payments. The webhook and
// the client confirmation both end in Reconcile, keyed by the checkout
// session id, so whichever arrives second is a no-op.
type Reconciler struct {
	db      *gorm.DB
	catalog *plans.Catalog
	ledger  *ledger.Store
	subs    *subscriptions.Machine
	gateway Gateway
	alerts  alert.Notifier
	cfg     Config
	now     func() time.Time
}

func NewReconciler(db *gorm.DB, catalog *plans.Catalog, subs *subscriptions.Machine, gateway Gateway, alerts alert.Notifier, cfg Config) *Reconciler {
	if cfg.PackageValidityDays <= 0 {
		cfg.PackageValidityDays = 60
	}
	return &Reconciler{
		db:      db,
		catalog: catalog,
		ledger:  ledger.NewStore(db),
		subs:    subs,
		gateway: gateway,
		alerts:  alerts,
		cfg:     cfg,
		now:     time.Now,
	}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	cp := *r
	cp.now = now
	cp.ledger = r.ledger.WithClock(now)
	if r.subs != nil {
		cp.subs = r.subs.WithClock(now)
	}
	return &cp
}

// HandleWebhook is the asynchronous channel. Nothing in the payload is
// trusted before its signature is verified.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (Result, error) {
	evt, err := r.gateway.VerifyEvent(payload, signature)
	if err != nil {
		r.alert(ctx, alert.Alert{
			Severity: alert.SeverityWarning,
			Title:    "unverified webhook rejected",
			Detail:   err.Error(),
		})
		return Result{}, fmt.Errorf("%w: %v", ErrUnverifiedEvent, err)
	}

	log := logger.Log.With(zap.String("event_id", evt.ID), zap.String("event_type", evt.Type))

	switch evt.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentSucceed:
		if evt.Session == nil {
			return Result{Outcome: OutcomeIgnored}, nil
		}
		if !evt.Session.Paid() {
			// Delayed payment methods complete later with async_payment_succeeded.
			log.Info("checkout session not paid yet", zap.String("session_id", evt.Session.ID))
			return Result{Outcome: OutcomeIgnored}, nil
		}
		ev, err := EventFromSession(*evt.Session)
		if err != nil {
			return r.inconsistent(ctx, ev, ChannelWebhook, ReasonInvalidEvent, err.Error(), err)
		}
		return r.Reconcile(ctx, ev, ChannelWebhook)

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		if evt.Subscription == nil || r.subs == nil {
			return Result{Outcome: OutcomeIgnored}, nil
		}
		if evt.Type == EventSubscriptionUpdated && evt.Subscription.Status != RemoteStatusCanceled {
			return r.applyRemoteUpdate(ctx, *evt.Subscription)
		}
		sub, err := r.subs.ApplyRemoteDeletion(ctx, evt.Subscription.ID)
		if err != nil {
			return Result{}, err
		}
		if sub == nil {
			return Result{Outcome: OutcomeIgnored}, nil
		}
		return Result{Outcome: OutcomeApplied, Subscription: sub}, nil

	case EventInvoicePaid, EventInvoicePaymentSucceeded:
		if evt.Invoice == nil {
			return Result{Outcome: OutcomeIgnored}, nil
		}
		return r.handleRenewal(ctx, *evt.Invoice)

	default:
		log.Debug("webhook event ignored")
		return Result{Outcome: OutcomeIgnored}, nil
	}
}

// Confirm is the synchronous channel: the client reports a finished
// checkout and the session is read back from the provider.
func (r *Reconciler) Confirm(ctx context.Context, userID uint, sessionID string) (Result, error) {
	if sessionID == "" {
		return Result{}, fmt.Errorf("%w: session id missing", ErrInvalidEvent)
	}

	session, err := r.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if !session.Paid() {
		return Result{}, ErrPaymentNotCompleted
	}

	ev, err := EventFromSession(session)
	if err != nil {
		return r.inconsistent(ctx, ev, ChannelConfirm, ReasonInvalidEvent, err.Error(), err)
	}
	if ev.UserID != userID {
		return Result{}, ErrSessionOwnership
	}
	return r.Reconcile(ctx, ev, ChannelConfirm)
}

// applyRemoteUpdate mirrors a provider-side subscription change. Only
// active or trialing subscriptions reach here; a renewal moves the local
// period forward.
func (r *Reconciler) applyRemoteUpdate(ctx context.Context, rs RemoteSubscription) (Result, error) {
	in := subscriptions.RemoteUpdate{
		ExternalID:        rs.ID,
		CancelAtPeriodEnd: rs.CancelAtPeriodEnd,
	}
	if rs.Status == RemoteStatusActive {
		in.PeriodStart = rs.PeriodStart
		in.PeriodEnd = rs.PeriodEnd
	}
	if rs.PriceID != "" {
		plan, err := r.catalog.PlanByStripePrice(ctx, rs.PriceID)
		switch {
		case err == nil:
			in.PlanID = &plan.ID
		case errors.Is(err, plans.ErrPlanNotFound):
			logger.Log.Warn("subscription price not in catalog",
				zap.String("external_subscription_id", rs.ID),
				zap.String("price_id", rs.PriceID),
			)
		default:
			return Result{}, err
		}
	}

	sub, err := r.subs.ApplyRemoteUpdate(ctx, in)
	if err != nil {
		return Result{}, err
	}
	if sub == nil {
		return Result{Outcome: OutcomeIgnored}, nil
	}
	return Result{Outcome: OutcomeApplied, Subscription: sub}, nil
}

// handleRenewal turns the invoice of a renewed period into a subscription
// payment keyed by the invoice id. User and plan come from the local row
// the provider subscription is linked to.
func (r *Reconciler) handleRenewal(ctx context.Context, inv RemoteInvoice) (Result, error) {
	if inv.BillingReason != BillingReasonSubscriptionCycle || !inv.Paid || inv.SubscriptionID == "" || r.subs == nil {
		return Result{Outcome: OutcomeIgnored}, nil
	}

	ev := PaymentEvent{
		Kind:                   KindSubscription,
		AmountMinor:            inv.AmountPaid,
		Currency:               strings.ToLower(inv.Currency),
		ExternalReference:      inv.ID,
		ExternalSubscriptionID: inv.SubscriptionID,
		PeriodStart:            inv.PeriodStart,
		PeriodEnd:              inv.PeriodEnd,
		Raw:                    inv.Raw,
	}
	sub, err := r.subs.ByExternalID(ctx, inv.SubscriptionID)
	if err != nil {
		return Result{}, err
	}
	if sub == nil {
		return r.inconsistent(ctx, ev, ChannelWebhook, ReasonUnknownRenewal,
			"renewal for a subscription with no local row", ErrUnresolvedPlanOrPackage)
	}
	ev.UserID = sub.UserID
	if sub.Status == subscriptions.StatusCancelledImmediate {
		return r.inconsistent(ctx, ev, ChannelWebhook, ReasonUnknownRenewal,
			"renewal for a subscription closed locally", ErrUnresolvedPlanOrPackage)
	}
	planID := sub.PlanID
	ev.PlanID = &planID
	return r.Reconcile(ctx, ev, ChannelWebhook)
}

// Reconcile applies one confirmed payment exactly once. The payment row,
// ledger entries and subscription change commit together.
func (r *Reconciler) Reconcile(ctx context.Context, ev PaymentEvent, channel Channel) (Result, error) {
	log := logger.Log.With(
		zap.String("external_reference", ev.ExternalReference),
		zap.String("channel", string(channel)),
		zap.Uint("user_id", ev.UserID),
		zap.String("kind", string(ev.Kind)),
	)

	if ev.ExternalReference == "" || ev.UserID == 0 || !ev.Kind.Valid() {
		return r.inconsistent(ctx, ev, channel, ReasonInvalidEvent, "missing user, kind or reference", ErrInvalidEvent)
	}

	existing, err := r.paymentByReference(ctx, ev.ExternalReference)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		log.Info("payment already applied", zap.String("first_channel", string(existing.Channel)))
		return r.duplicate(ctx, ev.UserID, existing)
	}

	g, reason, err := r.resolve(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrUnresolvedPlanOrPackage) {
			return r.inconsistent(ctx, ev, channel, reason, err.Error(), err)
		}
		return Result{}, err
	}

	var (
		res  Result
		prev *subscriptions.Subscription
	)
	err = pgerr.RetryOnce(func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			res, prev, err = r.apply(tx, ev, channel, g, r.now())
			return err
		})
	})
	if errors.Is(err, errAlreadyApplied) || errors.Is(err, ledger.ErrDuplicateReference) {
		existing, lookupErr := r.paymentByReference(ctx, ev.ExternalReference)
		if lookupErr != nil {
			return Result{}, lookupErr
		}
		log.Info("payment applied concurrently by another delivery")
		return r.duplicate(ctx, ev.UserID, existing)
	}
	if errors.Is(err, subscriptions.ErrNotAnUpgrade) {
		return r.inconsistent(ctx, ev, channel, ReasonNotAnUpgrade, err.Error(), err)
	}
	if err != nil {
		log.Error("payment reconciliation failed", zap.Error(err))
		return Result{}, err
	}

	log.Info("payment applied",
		zap.Int64("points", g.points),
		zap.Int64("bonus_points", g.bonus),
		zap.Int64("available_points", res.Balance.AvailablePoints),
	)

	if prev != nil && prev.ExternalSubscriptionID != nil && *prev.ExternalSubscriptionID != ev.ExternalSubscriptionID {
		r.cancelReplaced(ctx, *prev.ExternalSubscriptionID, ev.ExternalReference)
	}
	return res, nil
}

type grant struct {
	points       int64
	bonus        int64
	plan         *plans.Plan
	pkg          *plans.Package
	validityDays int
}

// resolve decides how many points a payment is worth. Explicit metadata
// wins, then the catalog entry the payment names.
func (r *Reconciler) resolve(ctx context.Context, ev PaymentEvent) (grant, string, error) {
	var g grant

	switch ev.Kind {
	case KindSubscription, KindSubscriptionUpgrade:
		if ev.PlanID == nil {
			return g, ReasonUnresolvedPlan, fmt.Errorf("%w: plan_id missing", ErrUnresolvedPlanOrPackage)
		}
		plan, err := r.catalog.Plan(ctx, *ev.PlanID)
		if errors.Is(err, plans.ErrPlanNotFound) {
			return g, ReasonUnresolvedPlan, fmt.Errorf("%w: plan %d not in catalog", ErrUnresolvedPlanOrPackage, *ev.PlanID)
		}
		if err != nil {
			return g, "", err
		}
		g.plan = plan
		g.points = ev.PointQuantity
		if g.points == 0 {
			g.points = plan.Points
		}

	case KindPointsPackage:
		if ev.PackageID != nil {
			pkg, err := r.catalog.Package(ctx, *ev.PackageID)
			if errors.Is(err, plans.ErrPackageNotFound) {
				return g, ReasonUnresolvedPackage, fmt.Errorf("%w: package %d not in catalog", ErrUnresolvedPlanOrPackage, *ev.PackageID)
			}
			if err != nil {
				return g, "", err
			}
			g.pkg = pkg
			g.validityDays = pkg.ValidityDays
		}
		g.points = ev.PointQuantity
		g.bonus = ev.BonusPoints
		if g.pkg != nil {
			if g.points == 0 {
				g.points = g.pkg.Points
			}
			if g.bonus == 0 {
				g.bonus = g.pkg.BonusPoints
			}
		}
		if g.points == 0 && r.cfg.LegacyPriceFallback {
			points, err := r.catalog.PointsForPrice(ctx, false, ev.AmountMinor, ev.Currency) //nolint:staticcheck
			switch {
			case err == nil:
				logger.Log.Warn("points resolved from price; payment metadata should carry points",
					zap.String("external_reference", ev.ExternalReference),
					zap.Int64("amount_minor", ev.AmountMinor),
					zap.Int64("points", points),
				)
				g.points = points
			case errors.Is(err, plans.ErrNoPriceMatch), errors.Is(err, plans.ErrAmbiguousPrice):
			default:
				return g, "", err
			}
		}
		if g.validityDays <= 0 {
			g.validityDays = r.cfg.PackageValidityDays
		}
	}

	if g.points <= 0 {
		if ev.Kind == KindPointsPackage && g.pkg == nil {
			return g, ReasonUnresolvedPackage, fmt.Errorf("%w: no package and no points", ErrUnresolvedPlanOrPackage)
		}
		return g, ReasonMissingPoints, fmt.Errorf("%w: zero points", ErrUnresolvedPlanOrPackage)
	}
	return g, "", nil
}

func (r *Reconciler) apply(tx *gorm.DB, ev PaymentEvent, channel Channel, g grant, now time.Time) (Result, *subscriptions.Subscription, error) {
	payment := &Payment{
		UserID:            ev.UserID,
		Kind:              ev.Kind,
		Channel:           channel,
		ExternalReference: ev.ExternalReference,
		AmountMinor:       ev.AmountMinor,
		Currency:          ev.Currency,
		Points:            g.points,
		BonusPoints:       g.bonus,
		Status:            PaymentStatusApplied,
		CreatedAt:         now,
	}
	if g.plan != nil {
		payment.PlanID = &g.plan.ID
	}
	if g.pkg != nil {
		payment.PackageID = &g.pkg.ID
	}
	if ev.ExternalSubscriptionID != "" {
		ext := ev.ExternalSubscriptionID
		payment.ExternalSubscriptionID = &ext
	}
	if ev.Kind == KindPointsPackage {
		validUntil := now.AddDate(0, 0, g.validityDays)
		payment.ValidUntil = &validUntil
	}

	created := tx.Omit(clause.Associations).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_reference"}}, DoNothing: true}).
		Create(payment)
	if created.Error != nil {
		return Result{}, nil, fmt.Errorf("record payment: %w", created.Error)
	}
	if created.RowsAffected == 0 {
		return Result{}, nil, errAlreadyApplied
	}

	res := Result{Outcome: OutcomeApplied, Payment: payment}
	var prev *subscriptions.Subscription

	switch ev.Kind {
	case KindSubscription:
		// A renewal keeps the linked row from lapsing before it is renewed.
		if ev.ExternalSubscriptionID != "" && ev.PeriodEnd != nil {
			if _, err := subscriptions.ExtendPeriodTx(tx, ev.ExternalSubscriptionID, ev.PeriodStart, *ev.PeriodEnd, now); err != nil {
				return Result{}, nil, err
			}
		}
		sub, err := subscriptions.ActivateTx(tx, subscriptions.ActivateInput{
			UserID:                 ev.UserID,
			Plan:                   g.plan,
			ExternalSubscriptionID: ev.ExternalSubscriptionID,
			PeriodStart:            ev.PeriodStart,
			PeriodEnd:              ev.PeriodEnd,
			Reference:              ev.ExternalReference,
		}, now)
		if err != nil {
			return Result{}, nil, err
		}
		res.Subscription = sub

	case KindSubscriptionUpgrade:
		up, err := subscriptions.UpgradeTx(tx, subscriptions.UpgradeInput{
			UserID:                 ev.UserID,
			Plan:                   g.plan,
			ExternalSubscriptionID: ev.ExternalSubscriptionID,
			PeriodStart:            ev.PeriodStart,
			PeriodEnd:              ev.PeriodEnd,
			Reference:              ev.ExternalReference,
		}, now)
		if err != nil {
			return Result{}, nil, err
		}
		res.Subscription = up.Current
		prev = up.Previous
	}

	credit, err := ledger.CreditTx(tx, ledger.CreditInput{
		UserID:            ev.UserID,
		Amount:            g.points,
		Reason:            ledger.ReasonRecharge,
		ExternalReference: ev.ExternalReference,
		AmountMinor:       ev.AmountMinor,
		Currency:          ev.Currency,
		Note:              string(ev.Kind),
	}, now)
	if err != nil {
		return Result{}, nil, err
	}
	bal := credit.Balance

	if g.bonus > 0 {
		bonus, err := ledger.CreditTx(tx, ledger.CreditInput{
			UserID:            ev.UserID,
			Amount:            g.bonus,
			Reason:            ledger.ReasonBonus,
			ExternalReference: ev.ExternalReference + ":bonus",
			Note:              "package bonus",
		}, now)
		if err != nil {
			return Result{}, nil, err
		}
		bal = bonus.Balance
	}

	res.Balance = &bal
	return res, prev, nil
}

func (r *Reconciler) duplicate(ctx context.Context, userID uint, p *Payment) (Result, error) {
	bal, err := r.ledger.Get(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeDuplicate, Payment: p, Balance: &bal}, nil
}

// inconsistent records a payment that cannot be applied and alerts the
// operators the first time it is seen.
func (r *Reconciler) inconsistent(ctx context.Context, ev PaymentEvent, channel Channel, reason, detail string, cause error) (Result, error) {
	ref := ev.ExternalReference
	if ref == "" {
		ref = "missing:" + uuid.NewString()
	}

	payload := datatypes.JSON(ev.Raw)
	if len(payload) == 0 || !json.Valid(payload) {
		raw, err := json.Marshal(map[string]any{
			"user_id":      ev.UserID,
			"kind":         ev.Kind,
			"amount_minor": ev.AmountMinor,
			"currency":     ev.Currency,
			"plan_id":      ev.PlanID,
			"package_id":   ev.PackageID,
			"points":       ev.PointQuantity,
		})
		if err != nil {
			return Result{}, fmt.Errorf("encode inconsistency payload: %w", err)
		}
		payload = raw
	}

	inc := &Inconsistency{
		ID:                uuid.NewString(),
		ExternalReference: ref,
		Reason:            reason,
		Channel:           channel,
		Kind:              string(ev.Kind),
		UserID:            ev.UserID,
		Detail:            detail,
		Payload:           payload,
		CreatedAt:         r.now(),
	}
	created := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_reference"}, {Name: "reason"}},
			DoNothing: true,
		}).
		Create(inc)
	if created.Error != nil {
		return Result{}, fmt.Errorf("record inconsistency: %w", created.Error)
	}

	if created.RowsAffected == 0 {
		if err := r.db.WithContext(ctx).
			Where("external_reference = ? AND reason = ?", ref, reason).
			First(inc).Error; err != nil {
			return Result{}, fmt.Errorf("load inconsistency: %w", err)
		}
	} else {
		logger.Log.Error("payment could not be applied",
			zap.String("external_reference", ref),
			zap.String("reason", reason),
			zap.String("detail", detail),
		)
		r.alert(ctx, alert.Alert{
			Severity:          alert.SeverityCritical,
			Title:             "confirmed payment could not be applied",
			ExternalReference: ref,
			UserID:            ev.UserID,
			Detail:            detail,
			Fields:            map[string]string{"reason": reason, "channel": string(channel), "inconsistency_id": inc.ID},
		})
	}

	return Result{Outcome: OutcomeInconsistent, Inconsistency: inc}, cause
}

func (r *Reconciler) cancelReplaced(ctx context.Context, externalID, reference string) {
	if r.gateway == nil {
		return
	}
	if err := r.gateway.CancelSubscription(ctx, externalID, false); err != nil {
		logger.Log.Error("failed to cancel replaced subscription at provider",
			zap.String("external_subscription_id", externalID),
			zap.String("external_reference", reference),
			zap.Error(err),
		)
		r.alert(ctx, alert.Alert{
			Severity:          alert.SeverityCritical,
			Title:             "replaced subscription still active at provider",
			ExternalReference: reference,
			Detail:            err.Error(),
			Fields:            map[string]string{"external_subscription_id": externalID},
		})
	}
}

func (r *Reconciler) paymentByReference(ctx context.Context, reference string) (*Payment, error) {
	var p Payment
	err := r.db.WithContext(ctx).Where("external_reference = ?", reference).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	return &p, nil
}

func (r *Reconciler) alert(ctx context.Context, a alert.Alert) {
	if r.alerts == nil {
		return
	}
	if a.At.IsZero() {
		a.At = r.now().UTC()
	}
	if err := r.alerts.Notify(ctx, a); err != nil {
		logger.Log.Warn("operator alert delivery failed", zap.String("title", a.Title), zap.Error(err))
	}
}
