package subscriptions

import (
	"strconv"
	"time"

	"imagegen-billing/internal/domain/plans"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive Status = "active"
	// StatusCancelledPending is never stored: it is how an active row with
	// CancelAtPeriodEnd set is presented.
	StatusCancelledPending   Status = "cancelled_pending"
	StatusCancelledImmediate Status = "cancelled_immediate"
	StatusExpired            Status = "expired"
)

func (s Status) IsCancelled() bool {
	return s == StatusCancelledPending || s == StatusCancelledImmediate
}

// Subscription is one period-bounded plan membership. A user has at most one
// row with status active.
type Subscription struct {
	ID                     uint              `gorm:"primaryKey" json:"id"`
	UserID                 uint              `gorm:"not null;index;uniqueIndex:idx_subscriptions_one_active,where:status = 'active'" json:"user_id"`
	PlanID                 uint              `gorm:"not null" json:"plan_id"`
	Plan                   *plans.Plan       `gorm:"foreignKey:PlanID" json:"plan,omitempty"`
	Status                 Status            `gorm:"type:varchar(24);not null;index" json:"status"`
	StartDate              time.Time         `gorm:"not null" json:"start_date"`
	EndDate                time.Time         `gorm:"not null" json:"end_date"`
	CancelAtPeriodEnd      bool              `gorm:"not null;default:false" json:"cancel_at_period_end"`
	ExternalSubscriptionID *string           `gorm:"type:varchar(191);index" json:"external_subscription_id,omitempty"`
	ReplacedByID           *uint             `json:"replaced_by_id,omitempty"`
	Metadata               datatypes.JSONMap `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveStatus is the status shown to users and callers.
func (s Subscription) EffectiveStatus() Status {
	if s.Status == StatusActive && s.CancelAtPeriodEnd {
		return StatusCancelledPending
	}
	return s.Status
}

// IsActive reports whether the row still grants its plan at now.
func (s Subscription) IsActive(now time.Time) bool {
	return s.Status == StatusActive && !now.After(s.EndDate)
}

// ForfeitureReference is the ledger reference used when this subscription's
// points are forfeited.
func (s Subscription) ForfeitureReference() string {
	return "forfeiture:subscription:" + strconv.FormatUint(uint64(s.ID), 10)
}
