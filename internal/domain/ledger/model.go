package ledger

import "time"

type Reason string

const (
	ReasonRecharge    Reason = "recharge"
	ReasonConsumption Reason = "consumption"
	ReasonForfeiture  Reason = "forfeiture"
	ReasonRefund      Reason = "refund"
	ReasonBonus       Reason = "bonus"
	ReasonAdjustment  Reason = "adjustment"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonRecharge, ReasonConsumption, ReasonForfeiture, ReasonRefund, ReasonBonus, ReasonAdjustment:
		return true
	}
	return false
}

// Balance is the materialized points balance of one user.
// AvailablePoints always equals TotalPoints - UsedPoints.
type Balance struct {
	UserID                 uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	TotalPoints            int64     `gorm:"not null;default:0" json:"total_points"`
	AvailablePoints        int64     `gorm:"not null;default:0" json:"available_points"`
	UsedPoints             int64     `gorm:"not null;default:0" json:"used_points"`
	ExpiredPoints          int64     `gorm:"not null;default:0" json:"expired_points"`
	LifetimeRechargeAmount int64     `gorm:"not null;default:0" json:"lifetime_recharge_amount"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Entry is one immutable balance change. ExternalReference is the dedup key
// of the real-world event that caused it; consumption entries have none.
type Entry struct {
	ID                string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID            uint      `gorm:"not null;index:idx_ledger_entries_user_created,priority:1" json:"user_id"`
	Delta             int64     `gorm:"not null" json:"delta"`
	Reason            Reason    `gorm:"type:varchar(20);not null;index" json:"reason"`
	ExternalReference *string   `gorm:"type:varchar(191);uniqueIndex:idx_ledger_entries_external_reference" json:"external_reference,omitempty"`
	BalanceAfter      int64     `gorm:"not null" json:"balance_after"`
	AmountMinor       int64     `gorm:"not null;default:0" json:"amount_minor,omitempty"`
	Currency          string    `gorm:"type:varchar(8)" json:"currency,omitempty"`
	Note              string    `gorm:"type:text" json:"note,omitempty"`
	CreatedAt         time.Time `gorm:"precision:3;index:idx_ledger_entries_user_created,priority:2" json:"created_at"`
}

func (Entry) TableName() string {
	return "ledger_entries"
}
