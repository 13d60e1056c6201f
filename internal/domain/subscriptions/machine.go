package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/internal/infra/pgerr"
	"imagegen-billing/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNoActiveSubscription = errors.New("subscriptions: no active subscription")
	ErrPlanRequired         = errors.New("subscriptions: plan required")
	ErrRemoteCancel         = errors.New("subscriptions: payment provider refused cancellation")
	ErrNotAnUpgrade         = errors.New("subscriptions: target plan is not an upgrade")
)

// RemoteCanceler cancels the provider-side subscription. It is always called
// outside of any database transaction.
type RemoteCanceler interface {
	CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error
}

// Machine owns every transition of the subscriptions table.
type Machine struct {
	db     *gorm.DB
	remote RemoteCanceler
	now    func() time.Time
}

func NewMachine(db *gorm.DB, remote RemoteCanceler) *Machine {
	return &Machine{db: db, remote: remote, now: time.Now}
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	cp := *m
	cp.now = now
	return &cp
}

// Current is the only read path for a user's subscription. An active row
// whose period has ended is flipped to expired, and the user's points are
// forfeited, before it is returned. The result is the user's latest row of
// any status, or nil when the user never subscribed.
func (m *Machine) Current(ctx context.Context, userID uint) (*Subscription, error) {
	var sub *Subscription
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		sub, err = CurrentTx(tx, userID, m.now())
		return err
	})
	if err != nil {
		return nil, pgerr.Classify(err)
	}
	return sub, nil
}

func CurrentTx(tx *gorm.DB, userID uint, now time.Time) (*Subscription, error) {
	var active Subscription
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND status = ?", userID, StatusActive).
		Order("id DESC").
		First(&active).Error
	switch {
	case err == nil:
		if now.After(active.EndDate) {
			if err := expireTx(tx, &active, now); err != nil {
				return nil, err
			}
		}
		if err := attachPlan(tx, &active); err != nil {
			return nil, err
		}
		return &active, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("lock active subscription: %w", err)
	}

	var latest Subscription
	err = tx.Preload("Plan").Where("user_id = ?", userID).Order("created_at DESC, id DESC").First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return &latest, nil
}

func expireTx(tx *gorm.DB, sub *Subscription, now time.Time) error {
	res := tx.Model(&Subscription{}).
		Where("id = ? AND status = ?", sub.ID, StatusActive).
		Updates(map[string]any{"status": StatusExpired, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("expire subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return pgerr.ErrConcurrentModification
	}

	bal, _, err := ledger.ForfeitTx(tx, sub.UserID, sub.ForfeitureReference(), now)
	if err != nil {
		return err
	}
	sub.Status = StatusExpired
	sub.UpdatedAt = now

	logger.Log.Info("subscription expired",
		zap.Uint("user_id", sub.UserID),
		zap.Uint("subscription_id", sub.ID),
		zap.Int64("expired_points", bal.ExpiredPoints),
	)
	return nil
}

type ActivateInput struct {
	UserID                 uint
	Plan                   *plans.Plan
	ExternalSubscriptionID string
	// PeriodStart and PeriodEnd override the plan interval when the payment
	// provider reports explicit period boundaries.
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Reference   string
}

// ActivateTx applies a confirmed subscription payment: the active row is
// moved to the paid plan and period in place, or a new active row is opened.
func ActivateTx(tx *gorm.DB, in ActivateInput, now time.Time) (*Subscription, error) {
	if in.Plan == nil {
		return nil, ErrPlanRequired
	}
	current, err := CurrentTx(tx, in.UserID, now)
	if err != nil {
		return nil, err
	}

	start, end := period(in, now)

	if current != nil && current.Status == StatusActive {
		md := mergeMetadata(current.Metadata, map[string]any{"last_reference": in.Reference})
		updates := map[string]any{
			"plan_id":              in.Plan.ID,
			"start_date":           start,
			"end_date":             end,
			"cancel_at_period_end": false,
			"metadata":             md,
			"updated_at":           now,
		}
		if in.ExternalSubscriptionID != "" {
			updates["external_subscription_id"] = in.ExternalSubscriptionID
		}
		if err := tx.Model(&Subscription{}).Where("id = ?", current.ID).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("renew subscription: %w", err)
		}
		return reload(tx, current.ID)
	}

	sub := &Subscription{
		UserID:    in.UserID,
		PlanID:    in.Plan.ID,
		Status:    StatusActive,
		StartDate: start,
		EndDate:   end,
		Metadata:  datatypes.JSONMap{"reference": in.Reference},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.ExternalSubscriptionID != "" {
		ext := in.ExternalSubscriptionID
		sub.ExternalSubscriptionID = &ext
	}
	if err := tx.Omit("Plan").Create(sub).Error; err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return reload(tx, sub.ID)
}

type UpgradeInput struct {
	UserID                 uint
	Plan                   *plans.Plan
	ExternalSubscriptionID string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	Reference              string
}

type UpgradeResult struct {
	// Previous is the closed row, nil when the user had no active
	// subscription left by the time the upgrade was paid.
	Previous *Subscription
	Current  *Subscription
}

// UpgradeTx closes the active row and opens a new one on the target plan.
// The closed row keeps no points of its own; the balance is left untouched
// so the caller can add the new plan's points on top of it.
func UpgradeTx(tx *gorm.DB, in UpgradeInput, now time.Time) (UpgradeResult, error) {
	if in.Plan == nil {
		return UpgradeResult{}, ErrPlanRequired
	}
	current, err := CurrentTx(tx, in.UserID, now)
	if err != nil {
		return UpgradeResult{}, err
	}

	activate := ActivateInput{
		UserID:                 in.UserID,
		Plan:                   in.Plan,
		ExternalSubscriptionID: in.ExternalSubscriptionID,
		PeriodStart:            in.PeriodStart,
		PeriodEnd:              in.PeriodEnd,
		Reference:              in.Reference,
	}
	if current == nil || current.Status != StatusActive {
		sub, err := ActivateTx(tx, activate, now)
		return UpgradeResult{Current: sub}, err
	}
	// The plan may have changed since the upgrade checkout was opened.
	if !plans.IsUpgrade(current.Plan, in.Plan) {
		return UpgradeResult{}, ErrNotAnUpgrade
	}

	res := tx.Model(&Subscription{}).
		Where("id = ? AND status = ?", current.ID, StatusActive).
		Updates(map[string]any{
			"status":               StatusCancelledImmediate,
			"end_date":             now,
			"cancel_at_period_end": false,
			"updated_at":           now,
		})
	if res.Error != nil {
		return UpgradeResult{}, fmt.Errorf("close upgraded subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return UpgradeResult{}, pgerr.ErrConcurrentModification
	}

	next, err := ActivateTx(tx, activate, now)
	if err != nil {
		return UpgradeResult{}, err
	}

	md := mergeMetadata(current.Metadata, map[string]any{
		"replaced_by": next.ID,
		"closed_by":   "upgrade",
	})
	if err := tx.Model(&Subscription{}).Where("id = ?", current.ID).Updates(map[string]any{
		"replaced_by_id": next.ID,
		"metadata":       md,
	}).Error; err != nil {
		return UpgradeResult{}, fmt.Errorf("link upgraded subscription: %w", err)
	}

	prev, err := reload(tx, current.ID)
	if err != nil {
		return UpgradeResult{}, err
	}
	return UpgradeResult{Previous: prev, Current: next}, nil
}

// Cancel ends the user's active subscription. With immediate the row is
// closed now and the balance forfeited; otherwise it stays active until the
// end of the paid period. The provider is asked first, so a refused remote
// cancellation leaves local state unchanged.
func (m *Machine) Cancel(ctx context.Context, userID uint, immediate bool) (*Subscription, error) {
	sub, err := m.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Status != StatusActive {
		return nil, ErrNoActiveSubscription
	}
	if !immediate && sub.CancelAtPeriodEnd {
		return sub, nil
	}

	if sub.ExternalSubscriptionID != nil && m.remote != nil {
		if err := m.remote.CancelSubscription(ctx, *sub.ExternalSubscriptionID, !immediate); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRemoteCancel, err)
		}
	}

	var out *Subscription
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := m.now()
		var err error
		if immediate {
			out, err = CancelImmediateTx(tx, sub.ID, "user", now)
		} else {
			out, err = CancelAtPeriodEndTx(tx, sub.ID, now)
		}
		return err
	})
	if err != nil {
		return nil, pgerr.Classify(err)
	}
	return out, nil
}

func CancelAtPeriodEndTx(tx *gorm.DB, subscriptionID uint, now time.Time) (*Subscription, error) {
	res := tx.Model(&Subscription{}).
		Where("id = ? AND status = ?", subscriptionID, StatusActive).
		Updates(map[string]any{"cancel_at_period_end": true, "updated_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("cancel at period end: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNoActiveSubscription
	}
	return reload(tx, subscriptionID)
}

// CancelImmediateTx closes an active row now and forfeits the user's points
// in the same transaction.
func CancelImmediateTx(tx *gorm.DB, subscriptionID uint, closedBy string, now time.Time) (*Subscription, error) {
	var sub Subscription
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND status = ?", subscriptionID, StatusActive).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("lock subscription: %w", err)
	}

	if err := tx.Model(&Subscription{}).Where("id = ?", sub.ID).Updates(map[string]any{
		"status":               StatusCancelledImmediate,
		"end_date":             now,
		"cancel_at_period_end": false,
		"metadata":             mergeMetadata(sub.Metadata, map[string]any{"closed_by": closedBy}),
		"updated_at":           now,
	}).Error; err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}

	if _, _, err := ledger.ForfeitTx(tx, sub.UserID, sub.ForfeitureReference(), now); err != nil {
		return nil, err
	}
	return reload(tx, sub.ID)
}

// ApplyRemoteDeletion mirrors a provider-side deletion. A row scheduled to
// end at its period end is left for lazy expiration; any other active row
// is closed immediately.
func (m *Machine) ApplyRemoteDeletion(ctx context.Context, externalID string) (*Subscription, error) {
	var out *Subscription
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := m.now()
		var sub Subscription
		err := tx.Where("external_subscription_id = ? AND status = ?", externalID, StatusActive).First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find subscription: %w", err)
		}
		if _, err := CurrentTx(tx, sub.UserID, now); err != nil {
			return err
		}
		fresh, err := reload(tx, sub.ID)
		if err != nil {
			return err
		}
		if fresh.Status != StatusActive || (fresh.CancelAtPeriodEnd && !now.After(fresh.EndDate)) {
			out = fresh
			return nil
		}
		out, err = CancelImmediateTx(tx, sub.ID, "provider", now)
		return err
	})
	if err != nil {
		return nil, pgerr.Classify(err)
	}
	return out, nil
}

// RemoteUpdate is the provider's view of a subscription after a change.
type RemoteUpdate struct {
	ExternalID        string
	CancelAtPeriodEnd bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	// PlanID is set when the provider's price maps to a catalog plan.
	PlanID *uint
}

// ApplyRemoteUpdate mirrors the provider's cancel-at-period-end flag, which
// users can also toggle from the provider's billing portal, and moves the
// period forward when the provider has renewed it. The period is never
// shortened. It returns nil when no active row carries the external id.
func (m *Machine) ApplyRemoteUpdate(ctx context.Context, in RemoteUpdate) (*Subscription, error) {
	var out *Subscription
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub Subscription
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("external_subscription_id = ? AND status = ?", in.ExternalID, StatusActive).
			Order("id DESC").
			First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find subscription: %w", err)
		}

		now := m.now()
		updates := map[string]any{
			"cancel_at_period_end": in.CancelAtPeriodEnd,
			"updated_at":           now,
		}
		if in.PlanID != nil && *in.PlanID != sub.PlanID {
			updates["plan_id"] = *in.PlanID
		}
		if err := tx.Model(&Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("sync subscription: %w", err)
		}
		if in.PeriodEnd != nil {
			if _, err := ExtendPeriodTx(tx, in.ExternalID, in.PeriodStart, *in.PeriodEnd, now); err != nil {
				return err
			}
		}

		out, err = reload(tx, sub.ID)
		return err
	})
	if err != nil {
		return nil, pgerr.Classify(err)
	}
	return out, nil
}

// ExtendPeriodTx moves the paid period of the active row linked to a
// provider subscription forward to end. A row already past its end date is
// extended too, so a renewal that arrives late does not lapse. It reports
// whether a row moved.
func ExtendPeriodTx(tx *gorm.DB, externalID string, start *time.Time, end, now time.Time) (bool, error) {
	updates := map[string]any{"end_date": end.UTC(), "updated_at": now}
	if start != nil {
		updates["start_date"] = start.UTC()
	}
	res := tx.Model(&Subscription{}).
		Where("external_subscription_id = ? AND status = ? AND end_date < ?", externalID, StatusActive, end.UTC()).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("extend subscription period: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ByExternalID returns the newest row linked to a provider subscription, in
// any status, or nil.
func (m *Machine) ByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	var sub Subscription
	err := m.db.WithContext(ctx).Preload("Plan").
		Where("external_subscription_id = ?", externalID).
		Order("id DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return &sub, nil
}

// History lists every subscription row of a user, newest first. It does not
// apply lazy expiration; call Current first.
func (m *Machine) History(ctx context.Context, userID uint) ([]Subscription, error) {
	var out []Subscription
	if err := m.db.WithContext(ctx).Preload("Plan").
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

// CountActive counts subscriptions whose paid period has not ended. Overdue
// rows still marked active are left out without being expired.
func (m *Machine) CountActive(ctx context.Context) (int64, error) {
	var n int64
	if err := m.db.WithContext(ctx).Model(&Subscription{}).
		Where("status = ? AND end_date >= ?", StatusActive, m.now()).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count active subscriptions: %w", err)
	}
	return n, nil
}

func period(in ActivateInput, now time.Time) (time.Time, time.Time) {
	start := now
	if in.PeriodStart != nil && !in.PeriodStart.IsZero() {
		start = *in.PeriodStart
	}
	if in.PeriodEnd != nil && in.PeriodEnd.After(start) {
		return start, *in.PeriodEnd
	}
	return start, in.Plan.PeriodEnd(start)
}

func attachPlan(tx *gorm.DB, sub *Subscription) error {
	var p plans.Plan
	err := tx.Where("id = ?", sub.PlanID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	sub.Plan = &p
	return nil
}

func reload(tx *gorm.DB, id uint) (*Subscription, error) {
	var sub Subscription
	if err := tx.Preload("Plan").Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, fmt.Errorf("reload subscription: %w", err)
	}
	return &sub, nil
}

func mergeMetadata(md datatypes.JSONMap, kv map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range md {
		out[k] = v
	}
	for k, v := range kv {
		out[k] = v
	}
	return out
}
