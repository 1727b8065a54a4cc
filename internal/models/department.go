package models

// Department groups users inside an organization. Departments gate
// document visibility and can carry their own role grants. Directory-synced
// departments track their upstream group via Source and ExternalID.
type Department struct {
	BaseModel

	OrganizationID string `gorm:"type:uuid;not null;uniqueIndex:idx_departments_org_name,priority:1" json:"organization_id"`
	Name           string `gorm:"not null;uniqueIndex:idx_departments_org_name,priority:2" json:"name"`
	Description    string `json:"description"`
	Source         string `gorm:"type:varchar(32);default:'local'" json:"source"`
	ExternalID     string `gorm:"index" json:"external_id,omitempty"`

	Users []User `gorm:"many2many:user_departments;" json:"users,omitempty"`
	Roles []Role `gorm:"many2many:department_roles;" json:"roles,omitempty"`
}
