package models

// Role groups permissions. System roles are global; custom roles belong to a tenant.
type Role struct {
	BaseModel

	OrganizationID *string `gorm:"type:uuid;uniqueIndex:idx_roles_org_name,priority:1" json:"organization_id"`
	Name           string  `gorm:"not null;uniqueIndex:idx_roles_org_name,priority:2" json:"name"`
	Description    string  `json:"description"`
	IsSystem       bool    `gorm:"default:false" json:"is_system"`

	Permissions []Permission `gorm:"many2many:role_permissions;" json:"permissions,omitempty"`
	Users       []User       `gorm:"many2many:user_roles;" json:"users,omitempty"`
}
