package access

import (
	"time"

	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/subscriptions"
)

// ComputeEffectiveAccessState mirrors the consumption order: subscription
// first, then purchased points, then the daily free allowance.
func ComputeEffectiveAccessState(now time.Time, sub *subscriptions.Subscription, bal ledger.Balance, freeRemaining int) AccessState {
	if sub != nil && sub.IsActive(now) {
		return AccessSubscribed
	}
	if bal.AvailablePoints > 0 {
		return AccessPoints
	}
	if freeRemaining > 0 {
		return AccessFree
	}
	return AccessLocked
}
