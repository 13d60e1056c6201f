package plans

import "strings"

// Tier constants (single source of truth)
const (
	TierNone   = "none"
	TierBasic  = "basic"
	TierPro    = "pro"
	TierStudio = "studio"
)

// PlanTier returns the effective tier for a plan.
// Priority:
// 1. Explicit Tier stored in DB
// 2. Inference from the granted points
func PlanTier(p *Plan) string {
	if p == nil {
		return TierNone
	}

	tier := strings.ToLower(strings.TrimSpace(p.Tier))
	switch tier {
	case TierBasic, TierPro, TierStudio:
		return tier
	}

	return inferTierFromPoints(p.Points)
}

func inferTierFromPoints(points int64) string {
	switch {
	case points >= 8000:
		return TierStudio
	case points >= 2000:
		return TierPro
	case points > 0:
		return TierBasic
	default:
		return TierNone
	}
}

// IsUpgrade reports whether moving from current to target gives the user
// more points per period. A missing current plan is always an upgrade.
func IsUpgrade(current, target *Plan) bool {
	if target == nil {
		return false
	}
	if current == nil {
		return true
	}
	return target.Points > current.Points
}
