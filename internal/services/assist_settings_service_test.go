package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvalhq/corval/internal/database"
	"github.com/corvalhq/corval/internal/database/testutil"
)

type assistApplierCapture struct {
	applied []AssistSettings
}

func (a *assistApplierCapture) ApplyAssistSettings(settings AssistSettings) {
	a.applied = append(a.applied, settings)
}

func TestAssistSettingsService_UpdateSettings(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	auditSvc, err := NewAuditService(db)
	require.NoError(t, err)

	applier := &assistApplierCapture{}
	svc, err := NewAssistSettingsService(db, auditSvc, WithAssistApplier(applier))
	require.NoError(t, err)

	settings, err := svc.UpdateSettings(context.Background(), "", "admin", UpdateAssistSettingsInput{
		Providers:         []string{"Ollama", "gemini", "ollama"},
		Temperature:       0.7,
		MaxTokens:         2048,
		RetrievalTopK:     8,
		RetrievalMinScore: 0.4,
		HistoryLimit:      6,
	})
	require.NoError(t, err)

	require.Equal(t, []string{"ollama", "gemini"}, settings.Providers)
	require.Equal(t, "gemini-2.5-flash", settings.GeminiModel)
	require.InDelta(t, 0.7, settings.Temperature, 0.001)
	require.Equal(t, 2048, settings.MaxTokens)
	require.Equal(t, 8, settings.RetrievalTopK)
	require.InDelta(t, 0.4, settings.RetrievalMinScore, 0.001)
	require.Equal(t, 6, settings.HistoryLimit)

	require.Len(t, applier.applied, 1)
	require.Equal(t, []string{"ollama", "gemini"}, applier.applied[0].Providers)

	stored, err := database.GetSystemSetting(context.Background(), db, "assist.providers")
	require.NoError(t, err)
	require.Equal(t, "ollama,gemini", stored)

	reloaded, err := svc.GetSettings(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"ollama", "gemini"}, reloaded.Providers)
	require.Equal(t, 2048, reloaded.MaxTokens)

	_, err = svc.UpdateSettings(context.Background(), "", "admin", UpdateAssistSettingsInput{
		Providers: []string{"openai"},
	})
	require.Error(t, err)

	_, err = svc.UpdateSettings(context.Background(), "", "admin", UpdateAssistSettingsInput{})
	require.Error(t, err)
}

func TestAssistSettingsService_Defaults(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewAssistSettingsService(db, nil)
	require.NoError(t, err)

	settings, err := svc.GetSettings(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"gemini", "ollama"}, settings.Providers)
	require.Equal(t, "llama3.1", settings.OllamaModel)
	require.Equal(t, 5, settings.RetrievalTopK)
	require.InDelta(t, 0.25, settings.RetrievalMinScore, 0.001)
	require.Equal(t, 10, settings.HistoryLimit)

	// Garbage stored values fall back instead of breaking the assistant.
	require.NoError(t, database.UpsertSystemSetting(context.Background(), db, assistMaxTokensSetting, "not-a-number"))
	require.NoError(t, database.UpsertSystemSetting(context.Background(), db, assistTemperatureSetting, "9.5"))

	settings, err = svc.GetSettings(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1024, settings.MaxTokens)
	require.InDelta(t, 0.2, settings.Temperature, 0.001)
}
