package ledger

import (
	"context"
	"errors"
	"fmt"

	"imagegen-billing/internal/infra/pgerr"

	"gorm.io/gorm"
)

// AdjustInput is an operator correction. Delta may be negative; the
// reference makes a retried correction harmless.
type AdjustInput struct {
	UserID            uint
	Delta             int64
	ExternalReference string
	Note              string
}

// Adjust applies a manual correction with reason adjustment. A negative
// correction removes points from the total, like a forfeiture, and fails
// with ErrInsufficientFunds rather than going below zero.
func (s *Store) Adjust(ctx context.Context, in AdjustInput) (CreditResult, error) {
	if in.Delta == 0 {
		return CreditResult{}, ErrInvalidAmount
	}
	if in.ExternalReference == "" {
		return CreditResult{}, ErrMissingReference
	}
	if in.Delta > 0 {
		return s.Credit(ctx, CreditInput{
			UserID:            in.UserID,
			Amount:            in.Delta,
			Reason:            ReasonAdjustment,
			ExternalReference: in.ExternalReference,
			Note:              in.Note,
		})
	}

	var res CreditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := referenceApplied(tx, in.ExternalReference)
		if err != nil {
			return err
		}
		if applied {
			return ErrDuplicateReference
		}

		amount := -in.Delta
		now := s.now()
		upd := tx.Model(&Balance{}).
			Where("user_id = ? AND available_points >= ?", in.UserID, amount).
			Updates(map[string]any{
				"total_points":     gorm.Expr("total_points - ?", amount),
				"available_points": gorm.Expr("available_points - ?", amount),
				"updated_at":       now,
			})
		if upd.Error != nil {
			return fmt.Errorf("adjust balance: %w", upd.Error)
		}
		if upd.RowsAffected == 0 {
			return ErrInsufficientFunds
		}

		bal, err := readBalance(tx, in.UserID)
		if err != nil {
			return err
		}
		entry := &Entry{
			UserID:            in.UserID,
			Delta:             in.Delta,
			Reason:            ReasonAdjustment,
			ExternalReference: &in.ExternalReference,
			BalanceAfter:      bal.AvailablePoints,
			Note:              in.Note,
			CreatedAt:         now,
		}
		inserted, err := appendEntry(tx, entry)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrDuplicateReference
		}
		res = CreditResult{Balance: bal, Entry: entry}
		return nil
	})
	if errors.Is(err, ErrDuplicateReference) {
		bal, getErr := s.Get(ctx, in.UserID)
		if getErr != nil {
			return CreditResult{}, getErr
		}
		return CreditResult{Balance: bal, Duplicate: true}, nil
	}
	if err != nil {
		return CreditResult{}, pgerr.Classify(err)
	}
	return res, nil
}
