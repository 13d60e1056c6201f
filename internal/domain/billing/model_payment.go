package billing

import (
	"time"

	"imagegen-billing/internal/domain/plans"
)

type Kind string

const (
	KindSubscription        Kind = "subscription"
	KindPointsPackage       Kind = "points_package"
	KindSubscriptionUpgrade Kind = "subscription_upgrade"
)

func (k Kind) Valid() bool {
	switch k {
	case KindSubscription, KindPointsPackage, KindSubscriptionUpgrade:
		return true
	}
	return false
}

// Channel names the producer that delivered a payment confirmation.
type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelConfirm Channel = "confirm"
)

const PaymentStatusApplied = "applied"

// Payment is written once per external reference, in the transaction that
// applies it. Its unique index is what makes the second delivery a no-op.
type Payment struct {
	ID                     uint           `gorm:"primaryKey" json:"id"`
	UserID                 uint           `gorm:"not null;index" json:"user_id"`
	Kind                   Kind           `gorm:"type:varchar(32);not null" json:"kind"`
	Channel                Channel        `gorm:"type:varchar(16);not null" json:"channel"`
	PlanID                 *uint          `json:"plan_id,omitempty"`
	Plan                   *plans.Plan    `gorm:"foreignKey:PlanID" json:"plan,omitempty"`
	PackageID              *uint          `json:"package_id,omitempty"`
	Package                *plans.Package `gorm:"foreignKey:PackageID" json:"package,omitempty"`
	ExternalReference      string         `gorm:"type:varchar(191);not null;uniqueIndex" json:"external_reference"`
	ExternalSubscriptionID *string        `gorm:"type:varchar(191)" json:"external_subscription_id,omitempty"`
	AmountMinor            int64          `gorm:"not null" json:"amount_minor"`
	Currency               string         `gorm:"type:varchar(8)" json:"currency"`
	Points                 int64          `gorm:"not null" json:"points"`
	BonusPoints            int64          `gorm:"not null;default:0" json:"bonus_points"`
	Status                 string         `gorm:"type:varchar(16);not null" json:"status"`
	// ValidUntil is recorded for points packages only and is informational.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
