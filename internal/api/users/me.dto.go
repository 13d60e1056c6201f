package users

import "time"

type MeResponse struct {
	User    UserDTO    `json:"user"`
	Billing BillingDTO `json:"billing"`
	Quota   QuotaDTO   `json:"quota"`
	Access  AccessDTO  `json:"access"`
}

/* ---------- USER ---------- */

type UserDTO struct {
	ID    uint   `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

/* ---------- BILLING ---------- */

type BillingDTO struct {
	Plan         *PlanDTO         `json:"plan"`
	Subscription *SubscriptionDTO `json:"subscription"`
	Balance      BalanceDTO       `json:"balance"`
}

type PlanDTO struct {
	ID         uint   `json:"id"`
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	Interval   string `json:"interval"`
	Points     int64  `json:"points"`
	PriceMinor int64  `json:"price_minor"`
	Currency   string `json:"currency"`
}

type SubscriptionDTO struct {
	ID                uint      `json:"id"`
	Status            string    `json:"status"`
	StartsAt          time.Time `json:"starts_at"`
	CurrentPeriodEnd  time.Time `json:"current_period_end"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
	DaysLeft          int       `json:"days_left"`
}

type BalanceDTO struct {
	Available int64 `json:"available_points"`
	Used      int64 `json:"used_points"`
	Expired   int64 `json:"expired_points"`
}

/* ---------- QUOTA ---------- */

type QuotaDTO struct {
	Date              string `json:"date"`
	FreeUsesRemaining int    `json:"free_uses_remaining"`
	TotalUses         int    `json:"total_uses"`
}

/* ---------- ACCESS ---------- */

type AccessDTO struct {
	State        string     `json:"state"` // subscribed|points|free|locked
	Tier         string     `json:"tier"`
	Capabilities []string   `json:"capabilities"`
	EndsAt       *time.Time `json:"ends_at,omitempty"`
}
