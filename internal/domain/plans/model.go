package plans

import "time"

const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// Plan is a recurring subscription that grants Points at every paid period.
type Plan struct {
	ID            uint    `gorm:"primaryKey" json:"id"`
	Slug          string  `gorm:"not null;uniqueIndex:idx_plans_slug" json:"slug"`
	Name          string  `json:"name"`
	PriceMinor    int64   `gorm:"not null" json:"price_minor"`
	Currency      string  `gorm:"type:varchar(8);not null;default:'usd'" json:"currency"`
	Interval      string  `gorm:"type:varchar(8);not null;default:'month'" json:"interval"`
	Points        int64   `gorm:"not null" json:"points"`
	Tier          string  `gorm:"column:tier" json:"tier"`
	StripePriceID *string `gorm:"column:stripe_price_id;uniqueIndex:idx_plans_stripe_price_id" json:"stripe_price_id,omitempty"`
	Active        bool    `gorm:"not null;default:true" json:"active"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// PeriodEnd returns the end of a billing period that starts at start.
// Month and year steps clamp to the last day of the target month, so a
// subscription started on Jan 31 renews on Feb 28/29 instead of early March.
func (p Plan) PeriodEnd(start time.Time) time.Time {
	switch p.Interval {
	case IntervalYear:
		return addMonthsClamped(start, 12)
	default:
		return addMonthsClamped(start, 1)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	firstOfTarget := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// Package is a one-off purchase of points.
type Package struct {
	ID            uint    `gorm:"primaryKey" json:"id"`
	Slug          string  `gorm:"not null;uniqueIndex:idx_packages_slug" json:"slug"`
	Name          string  `json:"name"`
	PriceMinor    int64   `gorm:"not null" json:"price_minor"`
	Currency      string  `gorm:"type:varchar(8);not null;default:'usd'" json:"currency"`
	Points        int64   `gorm:"not null" json:"points"`
	BonusPoints   int64   `gorm:"not null;default:0" json:"bonus_points"`
	ValidityDays  int     `gorm:"not null;default:60" json:"validity_days"`
	StripePriceID *string `gorm:"column:stripe_price_id;uniqueIndex:idx_packages_stripe_price_id" json:"stripe_price_id,omitempty"`
	Active        bool    `gorm:"not null;default:true" json:"active"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (Package) TableName() string {
	return "points_packages"
}
