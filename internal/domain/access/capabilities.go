package access

import (
	"imagegen-billing/internal/domain/plans"
)

func CapabilitiesFor(state AccessState, plan *plans.Plan) []string {
	switch state {
	case AccessLocked:
		return []string{}
	case AccessFree:
		return []string{CapabilityGenerate}
	case AccessPoints:
		return []string{CapabilityGenerate, CapabilityHD}
	}

	// subscribed: tier-based
	switch plans.PlanTier(plan) {
	case plans.TierStudio:
		return []string{CapabilityGenerate, CapabilityHD, CapabilityBatch, CapabilityPriority}
	case plans.TierPro:
		return []string{CapabilityGenerate, CapabilityHD, CapabilityBatch}
	default:
		return []string{CapabilityGenerate, CapabilityHD}
	}
}
