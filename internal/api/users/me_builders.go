package users

import (
	"time"

	"imagegen-billing/internal/domain/access"
	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/internal/domain/quota"
	"imagegen-billing/internal/domain/subscriptions"
)

func BuildPlanDTO(sub *subscriptions.Subscription) *PlanDTO {
	if sub == nil || sub.Plan == nil {
		return nil
	}
	p := sub.Plan
	return &PlanDTO{
		ID:         p.ID,
		Slug:       p.Slug,
		Name:       p.Name,
		Interval:   p.Interval,
		Points:     p.Points,
		PriceMinor: p.PriceMinor,
		Currency:   p.Currency,
	}
}

func BuildSubscriptionDTO(now time.Time, sub *subscriptions.Subscription) *SubscriptionDTO {
	if sub == nil {
		return nil
	}

	daysLeft := 0
	if sub.IsActive(now) {
		daysLeft = int(sub.EndDate.Sub(now).Hours() / 24)
	}

	return &SubscriptionDTO{
		ID:                sub.ID,
		Status:            string(sub.EffectiveStatus()),
		StartsAt:          sub.StartDate,
		CurrentPeriodEnd:  sub.EndDate,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		DaysLeft:          daysLeft,
	}
}

func BuildBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		Available: b.AvailablePoints,
		Used:      b.UsedPoints,
		Expired:   b.ExpiredPoints,
	}
}

func BuildQuotaDTO(q quota.DailyQuota) QuotaDTO {
	return QuotaDTO{
		Date:              q.Date,
		FreeUsesRemaining: q.FreeUsesRemaining,
		TotalUses:         q.TotalUses,
	}
}

func BuildAccessDTO(p access.Policy) AccessDTO {
	tier := p.Tier
	if tier == "" {
		tier = plans.TierNone
	}
	return AccessDTO{
		State:        string(p.State),
		Tier:         tier,
		Capabilities: p.Capabilities,
		EndsAt:       p.EndsAt,
	}
}
