package models

import (
	"time"

	"gorm.io/datatypes"
)

// PluginStatus tracks the install lifecycle.
type PluginStatus string

const (
	PluginStatusInstalled PluginStatus = "installed"
	PluginStatusEnabled   PluginStatus = "enabled"
	PluginStatusDisabled  PluginStatus = "disabled"
	PluginStatusFailed    PluginStatus = "failed"
)

// Plugin is an installed extension. Source is Go interpreted inside the sandbox;
// a nil OrganizationID marks a platform-wide plugin.
type Plugin struct {
	BaseModel

	OrganizationID *string `gorm:"type:uuid;uniqueIndex:idx_plugins_org_name,priority:1" json:"organization_id"`
	Name           string  `gorm:"not null;uniqueIndex:idx_plugins_org_name,priority:2" json:"name"`
	Version        string  `gorm:"type:varchar(32);not null" json:"version"`
	Description    string  `json:"description"`
	Author         string  `json:"author"`

	Source   string         `gorm:"type:text;not null" json:"-"`
	Manifest datatypes.JSON `gorm:"not null" json:"manifest"`
	Checksum string         `gorm:"type:varchar(64);not null" json:"checksum"`

	Status      PluginStatus `gorm:"type:varchar(32);default:'installed';index" json:"status"`
	InstalledBy *string      `gorm:"type:uuid" json:"installed_by"`
	LastError   string       `gorm:"type:text" json:"last_error,omitempty"`
	EnabledAt   *time.Time   `json:"enabled_at"`
}

// Runnable reports whether hook dispatch may execute this plugin.
func (p *Plugin) Runnable() bool {
	return p.Status == PluginStatusEnabled
}

// PluginExecution is the audit trail of a single sandboxed run.
type PluginExecution struct {
	BaseModel

	PluginID   string `gorm:"type:uuid;not null;index" json:"plugin_id"`
	Event      string `gorm:"type:varchar(128);not null;index" json:"event"`
	RequestID  string `gorm:"type:varchar(32);index" json:"request_id"`
	DurationMS int64  `gorm:"default:0" json:"duration_ms"`
	Status     string `gorm:"type:varchar(32);not null" json:"status"`
	Output     string `gorm:"type:text" json:"output,omitempty"`
	Error      string `gorm:"type:text" json:"error,omitempty"`
}
