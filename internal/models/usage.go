package models

import "time"

// UsageRecord is an append-only row per assistant provider call, the billing source of truth.
type UsageRecord struct {
	BaseModel

	OrganizationID string `gorm:"type:uuid;not null;index:idx_usage_org_created" json:"organization_id"`
	RequestID      string `gorm:"type:varchar(32);not null;index" json:"request_id"`
	UserID         string `gorm:"type:uuid;index" json:"user_id"`
	ConversationID *string `gorm:"type:uuid;index" json:"conversation_id"`

	Provider string `gorm:"type:varchar(64);not null;index" json:"provider"`
	Model    string `gorm:"type:varchar(128)" json:"model"`

	PromptTokens     int64 `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int64 `gorm:"default:0" json:"completion_tokens"`

	// CostMicrocents stores price at 1e-4 cent resolution to survive per-token rates.
	CostMicrocents int64  `gorm:"default:0" json:"cost_microcents"`
	Outcome        string `gorm:"type:varchar(32);default:'success'" json:"outcome"`
}

// TotalTokens sums both directions of a call.
func (u *UsageRecord) TotalTokens() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// UsageRollup aggregates usage per tenant, month, and provider.
type UsageRollup struct {
	BaseModel

	OrganizationID string `gorm:"type:uuid;not null;uniqueIndex:idx_rollup_org_period_provider,priority:1" json:"organization_id"`
	Period         string `gorm:"type:varchar(7);not null;uniqueIndex:idx_rollup_org_period_provider,priority:2" json:"period"`
	Provider       string `gorm:"type:varchar(64);not null;uniqueIndex:idx_rollup_org_period_provider,priority:3" json:"provider"`

	TotalRequests  int64 `gorm:"default:0" json:"total_requests"`
	TotalTokens    int64 `gorm:"default:0" json:"total_tokens"`
	CostMicrocents int64 `gorm:"default:0" json:"cost_microcents"`

	ComputedAt time.Time `json:"computed_at"`
}

// UsagePeriod formats a timestamp as a rollup period key.
func UsagePeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}
