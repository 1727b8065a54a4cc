package monitoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/assist"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/realtime"
)

// Summary is the operator dashboard snapshot: tenancy counts, live session
// gauges, today's assistant spend, and provider breaker positions.
type Summary struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	Organizations   int64            `json:"organizations"`
	Users           int64            `json:"users"`
	ActiveSessions  int64            `json:"active_sessions"`
	RealtimeClients int              `json:"realtime_clients"`
	UsageToday      UsageToday       `json:"usage_today"`
	Providers       []ProviderStatus `json:"providers"`
}

// UsageToday aggregates assistant usage across all tenants since midnight UTC.
type UsageToday struct {
	Requests       int64 `json:"requests"`
	Tokens         int64 `json:"tokens"`
	CostMicrocents int64 `json:"cost_microcents"`
}

// ProviderStatus reports one AI provider's circuit breaker position.
type ProviderStatus struct {
	Name    string `json:"name"`
	Breaker string `json:"breaker"`
}

// SummaryBuilder gathers the summary from the database, the realtime hub,
// and the assist gateway. Hub and gateway are optional.
type SummaryBuilder struct {
	db      *gorm.DB
	hub     *realtime.Hub
	gateway *assist.Gateway
}

// Snapshot assembles a point-in-time summary.
func (b *SummaryBuilder) Snapshot(ctx context.Context) (*Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UTC()
	summary := &Summary{GeneratedAt: now}

	if err := b.db.WithContext(ctx).Model(&models.Organization{}).Count(&summary.Organizations).Error; err != nil {
		return nil, fmt.Errorf("monitoring summary: count organizations: %w", err)
	}
	if err := b.db.WithContext(ctx).Model(&models.User{}).Count(&summary.Users).Error; err != nil {
		return nil, fmt.Errorf("monitoring summary: count users: %w", err)
	}
	if err := b.db.WithContext(ctx).Model(&models.Session{}).
		Where("expires_at > ? AND revoked_at IS NULL", now).
		Count(&summary.ActiveSessions).Error; err != nil {
		return nil, fmt.Errorf("monitoring summary: count sessions: %w", err)
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	err := b.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Select("COUNT(*) AS requests, COALESCE(SUM(prompt_tokens + completion_tokens), 0) AS tokens, COALESCE(SUM(cost_microcents), 0) AS cost_microcents").
		Where("created_at >= ?", midnight).
		Scan(&summary.UsageToday).Error
	if err != nil {
		return nil, fmt.Errorf("monitoring summary: usage today: %w", err)
	}

	if b.hub != nil {
		summary.RealtimeClients = b.hub.Size()
	}
	if b.gateway != nil {
		states := b.gateway.BreakerStates()
		summary.Providers = make([]ProviderStatus, 0, len(states))
		for name, state := range states {
			summary.Providers = append(summary.Providers, ProviderStatus{
				Name:    name,
				Breaker: state.String(),
			})
		}
		sort.Slice(summary.Providers, func(i, j int) bool {
			return summary.Providers[i].Name < summary.Providers[j].Name
		})
	}

	return summary, nil
}
