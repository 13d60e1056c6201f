package consumption

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/quota"
	"imagegen-billing/internal/domain/subscriptions"
	"imagegen-billing/internal/infra/pgerr"
	"imagegen-billing/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Source string

const (
	SourcePoints Source = "points"
	SourceFree   Source = "free"
)

const ReasonNeedsPayment = "needs_payment"

var (
	ErrInvalidCost      = errors.New("consumption: cost must be positive")
	ErrMissingReference = errors.New("consumption: request id required")
	ErrNothingToRefund  = errors.New("consumption: no points charge for this request")
)

type Decision struct {
	Allowed bool   `json:"allowed"`
	Source  Source `json:"source,omitempty"`
	// Remaining is the available points after a points charge, or the free
	// uses left today after a free charge.
	Remaining int64  `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
	// Replayed is set when the request id was already charged; the decision
	// of the first charge is returned unchanged.
	Replayed bool `json:"replayed,omitempty"`
}

// errDenied rolls back the request row of a denied charge so the request
// can be retried once the user has paid.
var errDenied = errors.New("consumption: denied")

// Guard decides whether one generation may run and charges for it. Paid
// points are spent before the daily free allowance.
type Guard struct {
	db     *gorm.DB
	ledger *ledger.Store
	quota  *quota.Tracker
	subs   *subscriptions.Machine
	now    func() time.Time
}

func NewGuard(db *gorm.DB, l *ledger.Store, q *quota.Tracker, s *subscriptions.Machine) *Guard {
	return &Guard{db: db, ledger: l, quota: q, subs: s, now: time.Now}
}

func (g *Guard) WithClock(now func() time.Time) *Guard {
	cp := *g
	cp.now = now
	cp.ledger = g.ledger.WithClock(now)
	cp.quota = g.quota.WithClock(now)
	cp.subs = g.subs.WithClock(now)
	return &cp
}

func (g *Guard) Consume(ctx context.Context, userID uint, cost int64) (Decision, error) {
	return g.ConsumeRequest(ctx, userID, cost, "")
}

// ConsumeRequest is Consume for a caller-supplied request id. The first
// charge of an id is recorded with its source, whether points or a free
// use, so a replayed request is never charged again and a failed
// generation can be refunded.
func (g *Guard) ConsumeRequest(ctx context.Context, userID uint, cost int64, requestID string) (Decision, error) {
	if cost <= 0 {
		return Decision{}, ErrInvalidCost
	}

	var d Decision
	err := pgerr.RetryOnce(func() error {
		var err error
		d, err = g.consume(ctx, userID, cost, requestID)
		return err
	})
	if err != nil {
		logger.Log.Error("consumption failed", zap.Uint("user_id", userID), zap.Int64("cost", cost), zap.Error(err))
		return Decision{}, err
	}
	return d, nil
}

func (g *Guard) consume(ctx context.Context, userID uint, cost int64, requestID string) (Decision, error) {
	// Expired subscriptions forfeit their points before anything is spent.
	if _, err := g.subs.Current(ctx, userID); err != nil {
		return Decision{}, fmt.Errorf("check subscription: %w", err)
	}

	now := g.now()
	var d Decision
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var charge *Charge
		if requestID != "" {
			var replay *Decision
			var err error
			charge, replay, err = claimRequest(tx, userID, requestID, cost, now)
			if err != nil {
				return err
			}
			if replay != nil {
				d = *replay
				return nil
			}
		}

		var err error
		d, err = g.charge(tx, userID, cost, requestID, now)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return errDenied
		}
		if charge == nil {
			return nil
		}
		if err := tx.Model(charge).Updates(map[string]any{
			"source":    d.Source,
			"remaining": d.Remaining,
		}).Error; err != nil {
			return fmt.Errorf("record charge source: %w", err)
		}
		return nil
	})
	if errors.Is(err, errDenied) {
		return d, nil
	}
	if err != nil {
		return Decision{}, pgerr.Classify(err)
	}
	return d, nil
}

// claimRequest inserts the request row. When the id was already charged it
// returns the first decision instead.
func claimRequest(tx *gorm.DB, userID uint, requestID string, cost int64, now time.Time) (*Charge, *Decision, error) {
	charge := &Charge{
		UserID:    userID,
		RequestID: requestID,
		Source:    SourcePoints,
		Cost:      cost,
		CreatedAt: now,
	}
	created := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "request_id"}},
		DoNothing: true,
	}).Create(charge)
	if created.Error != nil {
		return nil, nil, fmt.Errorf("record charge: %w", created.Error)
	}
	if created.RowsAffected > 0 {
		return charge, nil, nil
	}

	var prev Charge
	if err := tx.Where("user_id = ? AND request_id = ?", userID, requestID).First(&prev).Error; err != nil {
		return nil, nil, fmt.Errorf("load charge: %w", err)
	}
	return nil, &Decision{Allowed: true, Source: prev.Source, Remaining: prev.Remaining, Replayed: true}, nil
}

func (g *Guard) charge(tx *gorm.DB, userID uint, cost int64, requestID string, now time.Time) (Decision, error) {
	in := ledger.DebitInput{UserID: userID, Amount: cost, Reason: ledger.ReasonConsumption}
	if requestID != "" {
		in.ExternalReference = chargeReference(userID, requestID)
	}
	bal, _, err := ledger.DebitTx(tx, in, now)
	if err == nil {
		return Decision{Allowed: true, Source: SourcePoints, Remaining: bal.AvailablePoints}, nil
	}
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		return Decision{}, err
	}

	free, err := quota.TryConsumeFreeTx(tx, userID, g.quota.Allowance(), quota.Call{
		At:        now,
		Source:    string(SourceFree),
		Cost:      cost,
		RequestID: requestID,
	})
	if err != nil {
		return Decision{}, err
	}
	if !free.Exhausted {
		return Decision{Allowed: true, Source: SourceFree, Remaining: int64(free.Remaining)}, nil
	}
	return Decision{Allowed: false, Reason: ReasonNeedsPayment}, nil
}

// Refund gives back the points charged for a request whose generation
// failed. Only the user's own points charge can be refunded, for exactly
// the amount charged, and repeating the refund has no effect. Free uses
// are not given back.
func (g *Guard) Refund(ctx context.Context, userID uint, requestID string) (ledger.CreditResult, error) {
	if requestID == "" {
		return ledger.CreditResult{}, ErrMissingReference
	}

	charge, err := g.ledger.EntryByReference(ctx, chargeReference(userID, requestID))
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return ledger.CreditResult{}, ErrNothingToRefund
	}
	if err != nil {
		return ledger.CreditResult{}, err
	}
	if charge.UserID != userID || charge.Reason != ledger.ReasonConsumption || charge.Delta >= 0 {
		return ledger.CreditResult{}, ErrNothingToRefund
	}

	res, err := g.ledger.Credit(ctx, ledger.CreditInput{
		UserID:            userID,
		Amount:            -charge.Delta,
		Reason:            ledger.ReasonRefund,
		ExternalReference: "refund:" + chargeReference(userID, requestID),
		Note:              "generation refund",
	})
	if err != nil {
		return ledger.CreditResult{}, err
	}
	if !res.Duplicate {
		logger.Log.Info("generation refunded",
			zap.Uint("user_id", userID),
			zap.String("request_id", requestID),
			zap.Int64("points", -charge.Delta),
		)
	}
	return res, nil
}

// chargeReference scopes request ids to their user; two users may pick the
// same id.
func chargeReference(userID uint, requestID string) string {
	return "consume:" + strconv.FormatUint(uint64(userID), 10) + ":" + requestID
}
