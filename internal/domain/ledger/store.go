package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imagegen-billing/internal/infra/pgerr"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrInvalidAmount      = errors.New("ledger: amount must be positive")
	ErrInvalidReason      = errors.New("ledger: invalid reason")
	ErrMissingReference   = errors.New("ledger: external reference required")
	ErrEntryNotFound      = errors.New("ledger: entry not found")
	ErrDuplicateReference = errors.New("ledger: external reference already applied")
)

type CreditInput struct {
	UserID            uint
	Amount            int64
	Reason            Reason
	ExternalReference string
	// AmountMinor is the money paid for a recharge, in minor currency units.
	AmountMinor int64
	Currency    string
	Note        string
}

type CreditResult struct {
	Balance   Balance `json:"balance"`
	Entry     *Entry  `json:"entry,omitempty"`
	Duplicate bool    `json:"duplicate"`
}

type DebitInput struct {
	UserID uint
	Amount int64
	Reason Reason
	// ExternalReference is optional for debits.
	ExternalReference string
	Note              string
}

// Store owns the balances and ledger_entries tables. Every mutation writes
// the balance row and its ledger entry in the same transaction.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock returns a copy of the store that reads time from now.
func (s *Store) WithClock(now func() time.Time) *Store {
	cp := *s
	cp.now = now
	return &cp
}

// Credit adds points. A second credit with the same ExternalReference is a
// no-op that returns the current balance with Duplicate set.
func (s *Store) Credit(ctx context.Context, in CreditInput) (CreditResult, error) {
	var res CreditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = CreditTx(tx, in, s.now())
		return err
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

// CreditTx is Credit inside a caller-owned transaction. It returns
// ErrDuplicateReference when the reference is already applied; the caller
// must then roll back so nothing from this attempt persists.
func CreditTx(tx *gorm.DB, in CreditInput, now time.Time) (CreditResult, error) {
	if in.Amount <= 0 {
		return CreditResult{}, ErrInvalidAmount
	}
	if !in.Reason.Valid() || in.Reason == ReasonConsumption || in.Reason == ReasonForfeiture {
		return CreditResult{}, ErrInvalidReason
	}
	if in.ExternalReference == "" {
		return CreditResult{}, ErrMissingReference
	}

	applied, err := referenceApplied(tx, in.ExternalReference)
	if err != nil {
		return CreditResult{}, err
	}
	if applied {
		return CreditResult{}, ErrDuplicateReference
	}

	if err := ensureBalanceRow(tx, in.UserID, now); err != nil {
		return CreditResult{}, err
	}

	updates := map[string]any{
		"total_points":     gorm.Expr("total_points + ?", in.Amount),
		"available_points": gorm.Expr("available_points + ?", in.Amount),
		"updated_at":       now,
	}
	if in.Reason == ReasonRecharge && in.AmountMinor > 0 {
		updates["lifetime_recharge_amount"] = gorm.Expr("lifetime_recharge_amount + ?", in.AmountMinor)
	}
	if err := tx.Model(&Balance{}).Where("user_id = ?", in.UserID).Updates(updates).Error; err != nil {
		return CreditResult{}, fmt.Errorf("credit balance: %w", err)
	}

	bal, err := readBalance(tx, in.UserID)
	if err != nil {
		return CreditResult{}, err
	}

	entry := &Entry{
		UserID:            in.UserID,
		Delta:             in.Amount,
		Reason:            in.Reason,
		ExternalReference: &in.ExternalReference,
		BalanceAfter:      bal.AvailablePoints,
		AmountMinor:       in.AmountMinor,
		Currency:          in.Currency,
		Note:              in.Note,
		CreatedAt:         now,
	}
	inserted, err := appendEntry(tx, entry)
	if err != nil {
		return CreditResult{}, err
	}
	if !inserted {
		// Lost the race to a concurrent writer of the same reference.
		return CreditResult{}, ErrDuplicateReference
	}

	return CreditResult{Balance: bal, Entry: entry}, nil
}

// Debit removes points with a single conditional update, so two concurrent
// debits can never both spend the same points.
func (s *Store) Debit(ctx context.Context, in DebitInput) (Balance, error) {
	var bal Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		bal, _, err = DebitTx(tx, in, s.now())
		return err
	})
	if err != nil {
		return Balance{}, pgerr.Classify(err)
	}
	return bal, nil
}

func DebitTx(tx *gorm.DB, in DebitInput, now time.Time) (Balance, *Entry, error) {
	if in.Amount <= 0 {
		return Balance{}, nil, ErrInvalidAmount
	}
	if in.Reason == "" {
		in.Reason = ReasonConsumption
	}
	if in.Reason != ReasonConsumption {
		return Balance{}, nil, ErrInvalidReason
	}

	res := tx.Model(&Balance{}).
		Where("user_id = ? AND available_points >= ?", in.UserID, in.Amount).
		Updates(map[string]any{
			"available_points": gorm.Expr("available_points - ?", in.Amount),
			"used_points":      gorm.Expr("used_points + ?", in.Amount),
			"updated_at":       now,
		})
	if res.Error != nil {
		return Balance{}, nil, fmt.Errorf("debit balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Balance{}, nil, ErrInsufficientFunds
	}

	bal, err := readBalance(tx, in.UserID)
	if err != nil {
		return Balance{}, nil, err
	}

	entry := &Entry{
		UserID:       in.UserID,
		Delta:        -in.Amount,
		Reason:       in.Reason,
		BalanceAfter: bal.AvailablePoints,
		Note:         in.Note,
		CreatedAt:    now,
	}
	if in.ExternalReference != "" {
		entry.ExternalReference = &in.ExternalReference
	}
	inserted, err := appendEntry(tx, entry)
	if err != nil {
		return Balance{}, nil, err
	}
	if !inserted {
		return Balance{}, nil, ErrDuplicateReference
	}
	return bal, entry, nil
}

// Forfeit zeroes the available points of a user, moves them to the expired
// counter, and records a forfeiture entry. Forfeiting an empty balance, or
// forfeiting twice for the same reference, changes nothing.
func (s *Store) Forfeit(ctx context.Context, userID uint, reference string) (Balance, error) {
	var bal Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		bal, _, err = ForfeitTx(tx, userID, reference, s.now())
		return err
	})
	if err != nil {
		return Balance{}, pgerr.Classify(err)
	}
	return bal, nil
}

func ForfeitTx(tx *gorm.DB, userID uint, reference string, now time.Time) (Balance, *Entry, error) {
	if reference == "" {
		return Balance{}, nil, ErrMissingReference
	}

	var bal Balance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Balance{UserID: userID}, nil, nil
	}
	if err != nil {
		return Balance{}, nil, fmt.Errorf("lock balance: %w", err)
	}

	applied, err := referenceApplied(tx, reference)
	if err != nil {
		return Balance{}, nil, err
	}
	if applied || bal.AvailablePoints == 0 {
		return bal, nil, nil
	}

	forfeited := bal.AvailablePoints
	res := tx.Model(&Balance{}).
		Where("user_id = ? AND available_points = ?", userID, forfeited).
		Updates(map[string]any{
			"total_points":     gorm.Expr("total_points - ?", forfeited),
			"expired_points":   gorm.Expr("expired_points + ?", forfeited),
			"available_points": 0,
			"updated_at":       now,
		})
	if res.Error != nil {
		return Balance{}, nil, fmt.Errorf("forfeit balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Balance{}, nil, pgerr.ErrConcurrentModification
	}

	entry := &Entry{
		UserID:            userID,
		Delta:             -forfeited,
		Reason:            ReasonForfeiture,
		ExternalReference: &reference,
		BalanceAfter:      0,
		CreatedAt:         now,
	}
	inserted, err := appendEntry(tx, entry)
	if err != nil {
		return Balance{}, nil, err
	}
	if !inserted {
		return Balance{}, nil, pgerr.ErrConcurrentModification
	}

	bal, err = readBalance(tx, userID)
	if err != nil {
		return Balance{}, nil, err
	}
	return bal, entry, nil
}

// Get returns the balance of a user; users that never bought anything have
// a zero balance.
func (s *Store) Get(ctx context.Context, userID uint) (Balance, error) {
	bal, err := readBalance(s.db.WithContext(ctx), userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Balance{UserID: userID}, nil
	}
	return bal, err
}

type EntryFilter struct {
	UserID *uint
	Reason *Reason
	Since  *time.Time
	Until  *time.Time
	Page   int
	Limit  int
}

// Entries lists ledger entries, newest first.
func (s *Store) Entries(ctx context.Context, filter EntryFilter) ([]Entry, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 50
	}

	query := s.db.WithContext(ctx).Model(&Entry{})
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Reason != nil {
		query = query.Where("reason = ?", *filter.Reason)
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", *filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("created_at <= ?", *filter.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}

	var entries []Entry
	offset := (filter.Page - 1) * filter.Limit
	if err := query.Order("created_at DESC, id DESC").Limit(filter.Limit).Offset(offset).Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	return entries, total, nil
}

// Rebuild recomputes a user's balance row from the ledger.
func (s *Store) Rebuild(ctx context.Context, userID uint) (Balance, error) {
	var bal Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		if err := ensureBalanceRow(tx, userID, now); err != nil {
			return err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&Balance{}).Error; err != nil {
			return fmt.Errorf("lock balance: %w", err)
		}

		var agg struct {
			Available int64
			Used      int64
			Expired   int64
			Recharged int64
		}
		err := tx.Model(&Entry{}).
			Select(`COALESCE(SUM(delta), 0) AS available,
				COALESCE(SUM(CASE WHEN reason = ? THEN -delta ELSE 0 END), 0) AS used,
				COALESCE(SUM(CASE WHEN reason = ? THEN -delta ELSE 0 END), 0) AS expired,
				COALESCE(SUM(CASE WHEN reason = ? THEN amount_minor ELSE 0 END), 0) AS recharged`,
				ReasonConsumption, ReasonForfeiture, ReasonRecharge).
			Where("user_id = ?", userID).
			Scan(&agg).Error
		if err != nil {
			return fmt.Errorf("aggregate ledger: %w", err)
		}

		if err := tx.Model(&Balance{}).Where("user_id = ?", userID).Updates(map[string]any{
			"total_points":             agg.Available + agg.Used,
			"available_points":         agg.Available,
			"used_points":              agg.Used,
			"expired_points":           agg.Expired,
			"lifetime_recharge_amount": agg.Recharged,
			"updated_at":               now,
		}).Error; err != nil {
			return fmt.Errorf("write rebuilt balance: %w", err)
		}

		bal, err = readBalance(tx, userID)
		return err
	})
	if err != nil {
		return Balance{}, pgerr.Classify(err)
	}
	return bal, nil
}

// ReferenceApplied reports whether an entry with reference exists.
func (s *Store) ReferenceApplied(ctx context.Context, reference string) (bool, error) {
	return referenceApplied(s.db.WithContext(ctx), reference)
}

// EntryByReference returns the entry recorded under reference.
func (s *Store) EntryByReference(ctx context.Context, reference string) (*Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("external_reference = ?", reference).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load entry: %w", err)
	}
	return &entry, nil
}

func referenceApplied(tx *gorm.DB, reference string) (bool, error) {
	var count int64
	if err := tx.Model(&Entry{}).Where("external_reference = ?", reference).Count(&count).Error; err != nil {
		return false, fmt.Errorf("check reference: %w", err)
	}
	return count > 0, nil
}

func ensureBalanceRow(tx *gorm.DB, userID uint, now time.Time) error {
	row := Balance{UserID: userID, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("create balance: %w", err)
	}
	return nil
}

func readBalance(tx *gorm.DB, userID uint) (Balance, error) {
	var bal Balance
	if err := tx.Where("user_id = ?", userID).First(&bal).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Balance{}, err
		}
		return Balance{}, fmt.Errorf("read balance: %w", err)
	}
	return bal, nil
}

// appendEntry inserts entry and reports false when its reference already
// exists.
func appendEntry(tx *gorm.DB, entry *Entry) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
	if res.Error != nil {
		return false, fmt.Errorf("append ledger entry: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
