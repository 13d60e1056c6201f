package billing

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ReasonUnresolvedPlan    = "unresolved_plan"
	ReasonUnresolvedPackage = "unresolved_package"
	ReasonMissingPoints     = "missing_points"
	ReasonInvalidEvent      = "invalid_event"
	ReasonUnknownRenewal    = "unknown_subscription"
	ReasonNotAnUpgrade      = "not_an_upgrade"
)

// Inconsistency is a confirmed payment that could not be applied. It stays
// open until an operator resolves it.
type Inconsistency struct {
	ID                string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ExternalReference string         `gorm:"type:varchar(191);not null;uniqueIndex:idx_inconsistencies_ref_reason,priority:1" json:"external_reference"`
	Reason            string         `gorm:"type:varchar(32);not null;uniqueIndex:idx_inconsistencies_ref_reason,priority:2" json:"reason"`
	Channel           Channel        `gorm:"type:varchar(16)" json:"channel"`
	Kind              string         `gorm:"type:varchar(32)" json:"kind"`
	UserID            uint           `gorm:"index" json:"user_id"`
	Detail            string         `gorm:"type:text" json:"detail"`
	Payload           datatypes.JSON `json:"payload,omitempty"`
	ResolvedAt        *time.Time     `gorm:"index" json:"resolved_at,omitempty"`
	ResolutionNote    string         `gorm:"type:text" json:"resolution_note,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}
