package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"imagegen-billing/internal/infra/pgerr"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DateLayout = "2006-01-02"

// DailyQuota is the free-use allowance of one user for one UTC calendar day.
type DailyQuota struct {
	ID                uint           `gorm:"primaryKey" json:"-"`
	UserID            uint           `gorm:"not null;uniqueIndex:idx_daily_quotas_user_date,priority:1" json:"user_id"`
	Date              string         `gorm:"type:varchar(10);not null;uniqueIndex:idx_daily_quotas_user_date,priority:2" json:"date"`
	FreeUsesRemaining int            `gorm:"not null" json:"free_uses_remaining"`
	TotalUses         int            `gorm:"not null;default:0" json:"total_uses"`
	CallLog           datatypes.JSON `json:"call_log,omitempty"`
	CreatedAt         time.Time      `json:"-"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Call is one entry of the call log.
type Call struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Cost   int64     `json:"cost,omitempty"`
	// RequestID is the caller's id for the generation, when it sent one.
	RequestID string `json:"request_id,omitempty"`
}

type Result struct {
	Remaining int
	Exhausted bool
}

// Tracker hands out the daily free uses.
type Tracker struct {
	db        *gorm.DB
	allowance int
	now       func() time.Time
}

func NewTracker(db *gorm.DB, allowance int) *Tracker {
	return &Tracker{db: db, allowance: allowance, now: time.Now}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	cp := *t
	cp.now = now
	return &cp
}

func (t *Tracker) Allowance() int {
	return t.allowance
}

// TryConsumeFree takes one free use for today. Once the allowance is spent
// every call reports Exhausted and the counter stays at zero.
func (t *Tracker) TryConsumeFree(ctx context.Context, userID uint) (Result, error) {
	var res Result
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = TryConsumeFreeTx(tx, userID, t.allowance, Call{At: t.now(), Source: "free"})
		return err
	})
	if err != nil {
		return Result{}, pgerr.Classify(err)
	}
	return res, nil
}

func TryConsumeFreeTx(tx *gorm.DB, userID uint, allowance int, call Call) (Result, error) {
	date := call.At.UTC().Format(DateLayout)
	if err := ensureDay(tx, userID, date, allowance, call.At); err != nil {
		return Result{}, err
	}

	res := tx.Model(&DailyQuota{}).
		Where("user_id = ? AND date = ? AND free_uses_remaining > 0", userID, date).
		Updates(map[string]any{
			"free_uses_remaining": gorm.Expr("free_uses_remaining - 1"),
			"total_uses":          gorm.Expr("total_uses + 1"),
			"updated_at":          call.At,
		})
	if res.Error != nil {
		return Result{}, fmt.Errorf("consume free use: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Result{Exhausted: true}, nil
	}

	day, err := readDay(tx, userID, date)
	if err != nil {
		return Result{}, err
	}
	if err := appendCall(tx, day, call); err != nil {
		return Result{}, err
	}
	return Result{Remaining: day.FreeUsesRemaining}, nil
}

// Today returns today's row without consuming anything. A user with no
// activity today sees the full allowance.
func (t *Tracker) Today(ctx context.Context, userID uint) (DailyQuota, error) {
	now := t.now()
	date := now.UTC().Format(DateLayout)
	day, err := readDay(t.db.WithContext(ctx), userID, date)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DailyQuota{UserID: userID, Date: date, FreeUsesRemaining: t.allowance}, nil
	}
	if err != nil {
		return DailyQuota{}, err
	}
	return day, nil
}

// Calls decodes the call log of a day row.
func (q DailyQuota) Calls() ([]Call, error) {
	if len(q.CallLog) == 0 {
		return nil, nil
	}
	var calls []Call
	if err := json.Unmarshal(q.CallLog, &calls); err != nil {
		return nil, fmt.Errorf("decode call log: %w", err)
	}
	return calls, nil
}

func ensureDay(tx *gorm.DB, userID uint, date string, allowance int, now time.Time) error {
	row := DailyQuota{
		UserID:            userID,
		Date:              date,
		FreeUsesRemaining: allowance,
		CallLog:           datatypes.JSON("[]"),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "date"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("create quota day: %w", err)
	}
	return nil
}

func readDay(tx *gorm.DB, userID uint, date string) (DailyQuota, error) {
	var day DailyQuota
	if err := tx.Where("user_id = ? AND date = ?", userID, date).First(&day).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DailyQuota{}, err
		}
		return DailyQuota{}, fmt.Errorf("read quota day: %w", err)
	}
	return day, nil
}

func appendCall(tx *gorm.DB, day DailyQuota, call Call) error {
	calls, err := day.Calls()
	if err != nil {
		return err
	}
	calls = append(calls, call)
	raw, err := json.Marshal(calls)
	if err != nil {
		return fmt.Errorf("encode call log: %w", err)
	}
	if err := tx.Model(&DailyQuota{}).Where("id = ?", day.ID).Update("call_log", datatypes.JSON(raw)).Error; err != nil {
		return fmt.Errorf("write call log: %w", err)
	}
	return nil
}
