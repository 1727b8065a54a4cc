package models

import (
	"errors"
	"regexp"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// DefaultOrganizationPlan is assigned when no billing plan is chosen.
const DefaultOrganizationPlan = "standard"

// Organization is the tenant boundary. Every domain record carries its ID.
type Organization struct {
	BaseModel

	Name        string         `gorm:"not null" json:"name"`
	Slug        string         `gorm:"uniqueIndex;not null" json:"slug"`
	Description string         `json:"description"`
	Plan        string         `gorm:"type:varchar(32);default:'standard'" json:"plan"`
	IsActive    bool           `gorm:"default:true" json:"is_active"`
	Settings    datatypes.JSON `json:"settings"`

	Users       []User       `gorm:"foreignKey:OrganizationID" json:"users,omitempty"`
	Departments []Department `gorm:"foreignKey:OrganizationID" json:"departments,omitempty"`
}

// BeforeSave normalises and validates the tenant slug.
func (o *Organization) BeforeSave(tx *gorm.DB) error {
	o.Slug = strings.ToLower(strings.TrimSpace(o.Slug))
	if o.Slug == "" {
		return errors.New("organization: slug is required")
	}
	if !slugPattern.MatchString(o.Slug) {
		return errors.New("organization: slug must be lowercase alphanumeric with hyphens")
	}
	if strings.TrimSpace(o.Plan) == "" {
		o.Plan = DefaultOrganizationPlan
	}
	return nil
}
