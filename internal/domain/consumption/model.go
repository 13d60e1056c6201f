package consumption

import "time"

// Charge is the first charge of a caller's request id. The unique
// (user_id, request_id) pair is what makes a replay free.
type Charge struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_consumption_charges_user_request,priority:1" json:"user_id"`
	RequestID string    `gorm:"type:varchar(191);not null;uniqueIndex:idx_consumption_charges_user_request,priority:2" json:"request_id"`
	Source    Source    `gorm:"type:varchar(16);not null" json:"source"`
	Cost      int64     `gorm:"not null" json:"cost"`
	Remaining int64     `gorm:"not null;default:0" json:"remaining"`
	CreatedAt time.Time `json:"created_at"`
}

func (Charge) TableName() string {
	return "consumption_charges"
}
