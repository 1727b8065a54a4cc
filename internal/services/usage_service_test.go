package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/models"
)

func TestUsageServiceRecordValidation(t *testing.T) {
	db, org := openUsageTestDB(t)
	svc, err := NewUsageService(db)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = svc.RecordUsage(ctx, RecordUsageInput{RequestID: "1", Provider: "gemini"})
	require.Error(t, err)
	_, err = svc.RecordUsage(ctx, RecordUsageInput{OrganizationID: org.ID, Provider: "gemini"})
	require.Error(t, err)
	_, err = svc.RecordUsage(ctx, RecordUsageInput{OrganizationID: org.ID, RequestID: "1"})
	require.Error(t, err)
	_, err = svc.RecordUsage(ctx, RecordUsageInput{
		OrganizationID: org.ID, RequestID: "1", Provider: "gemini", PromptTokens: -1,
	})
	require.Error(t, err)

	record, err := svc.RecordUsage(ctx, RecordUsageInput{
		OrganizationID:   org.ID,
		RequestID:        "1834009863479296",
		Provider:         "gemini",
		Model:            "gemini-2.0-flash",
		PromptTokens:     120,
		CompletionTokens: 60,
		CostMicrocents:   450,
	})
	require.NoError(t, err)
	require.Equal(t, "success", record.Outcome)
	require.EqualValues(t, 180, record.TotalTokens())
}

func TestUsageServiceRollupIsIdempotent(t *testing.T) {
	db, org := openUsageTestDB(t)
	svc, err := NewUsageService(db)
	require.NoError(t, err)

	other := &models.Organization{Name: "Globex", Slug: "globex"}
	require.NoError(t, db.Create(other).Error)

	ctx := context.Background()
	june := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	july := time.Date(2025, 7, 2, 9, 0, 0, 0, time.UTC)

	seed := func(orgID, provider string, prompt, completion, cost int64, at time.Time) {
		t.Helper()
		record, err := svc.RecordUsage(ctx, RecordUsageInput{
			OrganizationID:   orgID,
			RequestID:        provider + at.String(),
			Provider:         provider,
			PromptTokens:     prompt,
			CompletionTokens: completion,
			CostMicrocents:   cost,
		})
		require.NoError(t, err)
		require.NoError(t, db.Model(&models.UsageRecord{}).
			Where("id = ?", record.ID).
			Update("created_at", at).Error)
	}

	seed(org.ID, "gemini", 100, 50, 120, june)
	seed(org.ID, "gemini", 200, 100, 250, june.Add(time.Hour))
	seed(org.ID, "ollama", 200, 100, 0, june)
	seed(other.ID, "gemini", 40, 10, 60, june)
	seed(org.ID, "gemini", 500, 250, 900, july)

	written, err := svc.RollupUsage(ctx, "2025-06")
	require.NoError(t, err)
	require.Equal(t, 3, written)

	// A rerun rewrites the same rows instead of duplicating them.
	written, err = svc.RollupUsage(ctx, "2025-06")
	require.NoError(t, err)
	require.Equal(t, 3, written)

	var stored int64
	require.NoError(t, db.Model(&models.UsageRollup{}).Count(&stored).Error)
	require.EqualValues(t, 3, stored)

	summaries, err := svc.Summaries(ctx, org.ID, "2025-06")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "gemini", summaries[0].Provider)
	require.EqualValues(t, 2, summaries[0].TotalRequests)
	require.EqualValues(t, 450, summaries[0].TotalTokens)
	require.EqualValues(t, 370, summaries[0].CostMicrocents)
	require.Equal(t, "ollama", summaries[1].Provider)
	require.EqualValues(t, 300, summaries[1].TotalTokens)

	// Late arrivals fold in on the next run.
	seed(org.ID, "gemini", 10, 5, 30, june.Add(2*time.Hour))
	_, err = svc.RollupUsage(ctx, "2025-06")
	require.NoError(t, err)

	summaries, err = svc.Summaries(ctx, org.ID, "2025-06")
	require.NoError(t, err)
	require.EqualValues(t, 3, summaries[0].TotalRequests)
	require.EqualValues(t, 465, summaries[0].TotalTokens)
	require.EqualValues(t, 400, summaries[0].CostMicrocents)

	_, err = svc.RollupUsage(ctx, "junk")
	require.Error(t, err)
}

func TestUsageServicePeriodTotalsAndList(t *testing.T) {
	db, org := openUsageTestDB(t)
	svc, err := NewUsageService(db)
	require.NoError(t, err)

	ctx := context.Background()
	june := time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC)

	conversationID := "9b1d1c3e-0000-4000-8000-000000000001"
	for i, cost := range []int64{100, 200, 300} {
		record, err := svc.RecordUsage(ctx, RecordUsageInput{
			OrganizationID:   org.ID,
			RequestID:        string(rune('a' + i)),
			Provider:         "gemini",
			UserID:           "user-1",
			ConversationID:   conversationID,
			PromptTokens:     50,
			CompletionTokens: 25,
			CostMicrocents:   cost,
		})
		require.NoError(t, err)
		require.NoError(t, db.Model(&models.UsageRecord{}).
			Where("id = ?", record.ID).
			Update("created_at", june.Add(time.Duration(i)*time.Minute)).Error)
	}

	totals, err := svc.PeriodTotals(ctx, org.ID, "2025-06")
	require.NoError(t, err)
	require.EqualValues(t, 3, totals.TotalRequests)
	require.EqualValues(t, 225, totals.TotalTokens)
	require.EqualValues(t, 600, totals.CostMicrocents)

	empty, err := svc.PeriodTotals(ctx, org.ID, "2025-05")
	require.NoError(t, err)
	require.EqualValues(t, 0, empty.TotalRequests)

	records, total, err := svc.List(ctx, org.ID, UsageListOptions{ConversationID: conversationID})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Equal(t, "c", records[0].RequestID)

	from := june.Add(30 * time.Second)
	later, total, err := svc.List(ctx, org.ID, UsageListOptions{From: &from})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, later, 2)

	_, _, err = svc.List(ctx, "", UsageListOptions{})
	require.Error(t, err)
}

func openUsageTestDB(t *testing.T) (*gorm.DB, *models.Organization) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Organization{},
		&models.UsageRecord{},
		&models.UsageRollup{},
	))

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	org := &models.Organization{Name: "Acme", Slug: "acme"}
	require.NoError(t, db.Create(org).Error)

	return db, org
}
