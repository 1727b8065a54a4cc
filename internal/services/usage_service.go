package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/corvalhq/corval/internal/models"
	apperrors "github.com/corvalhq/corval/pkg/errors"
)

// RecordUsageInput captures one assistant provider call for billing.
type RecordUsageInput struct {
	OrganizationID   string
	RequestID        string
	UserID           string
	ConversationID   string
	Provider         string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	CostMicrocents   int64
	Outcome          string
}

// UsageListOptions controls filtering and pagination for raw usage queries.
type UsageListOptions struct {
	Page           int
	PageSize       int
	Provider       string
	UserID         string
	ConversationID string
	From           *time.Time
	To             *time.Time
}

// UsageTotals is a live aggregate over raw records for one period.
type UsageTotals struct {
	Period         string `json:"period"`
	TotalRequests  int64  `json:"total_requests"`
	TotalTokens    int64  `json:"total_tokens"`
	CostMicrocents int64  `json:"cost_microcents"`
}

// UsageService is the billing ledger for assistant calls. Records are
// append-only; monthly rollups are derived and safe to recompute.
type UsageService struct {
	db *gorm.DB
}

// NewUsageService constructs a UsageService instance.
func NewUsageService(db *gorm.DB) (*UsageService, error) {
	if db == nil {
		return nil, errors.New("usage service: db is required")
	}
	return &UsageService{db: db}, nil
}

// RecordUsage appends one usage row. The assist gateway calls this per
// provider request, including failed ones.
func (s *UsageService) RecordUsage(ctx context.Context, input RecordUsageInput) (*models.UsageRecord, error) {
	ctx = ensureContext(ctx)

	orgID := strings.TrimSpace(input.OrganizationID)
	if orgID == "" {
		return nil, apperrors.NewBadRequest("organization id is required")
	}
	if strings.TrimSpace(input.RequestID) == "" {
		return nil, apperrors.NewBadRequest("request id is required")
	}
	provider := strings.TrimSpace(input.Provider)
	if provider == "" {
		return nil, apperrors.NewBadRequest("provider is required")
	}
	if input.PromptTokens < 0 || input.CompletionTokens < 0 || input.CostMicrocents < 0 {
		return nil, apperrors.NewBadRequest("usage amounts cannot be negative")
	}

	record := &models.UsageRecord{
		OrganizationID:   orgID,
		RequestID:        strings.TrimSpace(input.RequestID),
		UserID:           strings.TrimSpace(input.UserID),
		Provider:         provider,
		Model:            strings.TrimSpace(input.Model),
		PromptTokens:     input.PromptTokens,
		CompletionTokens: input.CompletionTokens,
		CostMicrocents:   input.CostMicrocents,
		Outcome:          "success",
	}
	if conversationID := strings.TrimSpace(input.ConversationID); conversationID != "" {
		record.ConversationID = &conversationID
	}
	if outcome := strings.TrimSpace(input.Outcome); outcome != "" {
		record.Outcome = outcome
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("usage service: record usage: %w", err)
	}

	return record, nil
}

// List returns raw usage rows for an organization, newest first.
func (s *UsageService) List(ctx context.Context, organizationID string, opts UsageListOptions) ([]models.UsageRecord, int64, error) {
	ctx = ensureContext(ctx)

	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, 0, apperrors.NewBadRequest("organization id is required")
	}

	page, perPage := clampPage(opts.Page, opts.PageSize)

	query := s.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Where("organization_id = ?", organizationID)

	if provider := strings.TrimSpace(opts.Provider); provider != "" {
		query = query.Where("provider = ?", provider)
	}
	if userID := strings.TrimSpace(opts.UserID); userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if conversationID := strings.TrimSpace(opts.ConversationID); conversationID != "" {
		query = query.Where("conversation_id = ?", conversationID)
	}
	if opts.From != nil {
		query = query.Where("created_at >= ?", opts.From.UTC())
	}
	if opts.To != nil {
		query = query.Where("created_at < ?", opts.To.UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("usage service: count usage: %w", err)
	}

	var records []models.UsageRecord
	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("usage service: list usage: %w", err)
	}

	return records, total, nil
}

// RollupUsage aggregates one month of records into per-org, per-provider
// rollup rows. Reruns upsert the same rows, so a missed or partial run can
// simply be repeated.
func (s *UsageService) RollupUsage(ctx context.Context, period string) (int, error) {
	ctx = ensureContext(ctx)

	start, end, err := usagePeriodBounds(period)
	if err != nil {
		return 0, err
	}

	type aggregate struct {
		OrganizationID string
		Provider       string
		TotalRequests  int64
		TotalTokens    int64
		CostMicrocents int64
	}

	var aggregates []aggregate
	err = s.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Select("organization_id, provider, COUNT(*) AS total_requests, COALESCE(SUM(prompt_tokens + completion_tokens), 0) AS total_tokens, COALESCE(SUM(cost_microcents), 0) AS cost_microcents").
		Where("created_at >= ? AND created_at < ?", start, end).
		Group("organization_id, provider").
		Scan(&aggregates).Error
	if err != nil {
		return 0, fmt.Errorf("usage service: aggregate period %s: %w", period, err)
	}

	computedAt := time.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, agg := range aggregates {
			rollup := models.UsageRollup{
				OrganizationID: agg.OrganizationID,
				Period:         period,
				Provider:       agg.Provider,
				TotalRequests:  agg.TotalRequests,
				TotalTokens:    agg.TotalTokens,
				CostMicrocents: agg.CostMicrocents,
				ComputedAt:     computedAt,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "organization_id"}, {Name: "period"}, {Name: "provider"},
				},
				DoUpdates: clause.AssignmentColumns([]string{
					"total_requests", "total_tokens", "cost_microcents", "computed_at", "updated_at",
				}),
			}).Create(&rollup).Error; err != nil {
				return fmt.Errorf("usage service: upsert rollup %s/%s: %w", agg.OrganizationID, agg.Provider, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(aggregates), nil
}

// Summaries returns the stored rollups for an organization, optionally for
// one period.
func (s *UsageService) Summaries(ctx context.Context, organizationID, period string) ([]models.UsageRollup, error) {
	ctx = ensureContext(ctx)

	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, apperrors.NewBadRequest("organization id is required")
	}

	query := s.db.WithContext(ctx).Where("organization_id = ?", organizationID)
	if period = strings.TrimSpace(period); period != "" {
		if _, _, err := usagePeriodBounds(period); err != nil {
			return nil, err
		}
		query = query.Where("period = ?", period)
	}

	var rollups []models.UsageRollup
	if err := query.
		Order("period DESC, provider ASC").
		Find(&rollups).Error; err != nil {
		return nil, fmt.Errorf("usage service: list rollups: %w", err)
	}
	return rollups, nil
}

// PeriodTotals aggregates raw records live. Billing views use it for the
// running month before any rollup exists.
func (s *UsageService) PeriodTotals(ctx context.Context, organizationID, period string) (*UsageTotals, error) {
	ctx = ensureContext(ctx)

	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, apperrors.NewBadRequest("organization id is required")
	}
	start, end, err := usagePeriodBounds(period)
	if err != nil {
		return nil, err
	}

	totals := &UsageTotals{Period: period}
	err = s.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Select("COUNT(*) AS total_requests, COALESCE(SUM(prompt_tokens + completion_tokens), 0) AS total_tokens, COALESCE(SUM(cost_microcents), 0) AS cost_microcents").
		Where("organization_id = ? AND created_at >= ? AND created_at < ?", organizationID, start, end).
		Scan(totals).Error
	if err != nil {
		return nil, fmt.Errorf("usage service: period totals: %w", err)
	}

	return totals, nil
}

func usagePeriodBounds(period string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01", strings.TrimSpace(period), time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, apperrors.NewBadRequest("period must look like 2026-01")
	}
	return start, start.AddDate(0, 1, 0), nil
}
