package models

import "time"

// UserInvite represents an invitation sent to a prospective user.
type UserInvite struct {
	BaseModel

	OrganizationID string     `gorm:"type:uuid;not null;index" json:"organization_id"`
	Email          string     `gorm:"not null;index" json:"email"`
	TokenHash      string     `gorm:"not null" json:"-"`
	InvitedBy      string     `gorm:"type:uuid" json:"invited_by"`
	DepartmentID   *string    `gorm:"type:uuid;index" json:"department_id,omitempty"`
	ExpiresAt      time.Time  `gorm:"index" json:"expires_at"`
	AcceptedAt     *time.Time `json:"accepted_at"`

	Department *Department `gorm:"constraint:OnDelete:SET NULL" json:"department,omitempty"`
}
