package access

import (
	"time"

	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/internal/domain/subscriptions"
)

type Policy struct {
	State         AccessState `json:"state"`
	Tier          string      `json:"tier"`
	Capabilities  []string    `json:"capabilities"`
	FreeRemaining int         `json:"free_uses_remaining"`
	// EndsAt is set while a subscription is winding down at period end.
	EndsAt *time.Time `json:"ends_at,omitempty"`
}

// ComputePolicy expects sub to come from the lazy-expiring accessor, so an
// overdue subscription has already been flipped to expired.
func ComputePolicy(now time.Time, sub *subscriptions.Subscription, bal ledger.Balance, freeRemaining int) Policy {
	state := ComputeEffectiveAccessState(now, sub, bal, freeRemaining)

	p := Policy{
		State:         state,
		Tier:          plans.TierNone,
		FreeRemaining: freeRemaining,
	}
	if state == AccessSubscribed {
		p.Tier = plans.PlanTier(sub.Plan)
		if sub.CancelAtPeriodEnd {
			end := sub.EndDate
			p.EndsAt = &end
		}
		p.Capabilities = CapabilitiesFor(state, sub.Plan)
		return p
	}
	p.Capabilities = CapabilitiesFor(state, nil)
	return p
}
