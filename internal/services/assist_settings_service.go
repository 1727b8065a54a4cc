package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/database"
)

// Assist setting keys persisted as system settings.
const (
	assistProvidersSetting    = "assist.providers"
	assistGeminiModelSetting  = "assist.gemini_model"
	assistOllamaModelSetting  = "assist.ollama_model"
	assistTemperatureSetting  = "assist.temperature"
	assistMaxTokensSetting    = "assist.max_tokens"
	assistTopKSetting         = "assist.retrieval_top_k"
	assistMinScoreSetting     = "assist.retrieval_min_score"
	assistHistoryLimitSetting = "assist.history_limit"
)

// AssistSettings bundles the assistant knobs administrators can change at
// runtime without a restart.
type AssistSettings struct {
	Providers         []string `json:"providers"`
	GeminiModel       string   `json:"gemini_model"`
	OllamaModel       string   `json:"ollama_model"`
	Temperature       float64  `json:"temperature"`
	MaxTokens         int      `json:"max_tokens"`
	RetrievalTopK     int      `json:"retrieval_top_k"`
	RetrievalMinScore float64  `json:"retrieval_min_score"`
	HistoryLimit      int      `json:"history_limit"`
}

// UpdateAssistSettingsInput validates incoming configuration payloads.
type UpdateAssistSettingsInput struct {
	Providers         []string `json:"providers" validate:"required,min=1,dive,oneof=gemini ollama stub"`
	GeminiModel       string   `json:"gemini_model" validate:"omitempty,max=128"`
	OllamaModel       string   `json:"ollama_model" validate:"omitempty,max=128"`
	Temperature       float64  `json:"temperature" validate:"min=0,max=2"`
	MaxTokens         int      `json:"max_tokens" validate:"min=0,max=32768"`
	RetrievalTopK     int      `json:"retrieval_top_k" validate:"min=0,max=50"`
	RetrievalMinScore float64  `json:"retrieval_min_score" validate:"min=0,max=1"`
	HistoryLimit      int      `json:"history_limit" validate:"min=0,max=100"`
}

// AssistSettingsApplier receives the effective settings after a successful
// update so running components can retune themselves.
type AssistSettingsApplier interface {
	ApplyAssistSettings(settings AssistSettings)
}

// AssistSettingsService coordinates persistence for assistant defaults.
type AssistSettingsService struct {
	db      *gorm.DB
	audit   *AuditService
	applier AssistSettingsApplier
}

// AssistSettingsOption customises AssistSettingsService behaviour.
type AssistSettingsOption func(*AssistSettingsService)

// WithAssistApplier attaches a live component so updates take effect
// immediately.
func WithAssistApplier(applier AssistSettingsApplier) AssistSettingsOption {
	return func(svc *AssistSettingsService) {
		if applier != nil {
			svc.applier = applier
		}
	}
}

// NewAssistSettingsService constructs a service once dependencies are supplied.
func NewAssistSettingsService(db *gorm.DB, audit *AuditService, opts ...AssistSettingsOption) (*AssistSettingsService, error) {
	if db == nil {
		return nil, fmt.Errorf("assist settings service: db is required")
	}
	svc := &AssistSettingsService{
		db:    db,
		audit: audit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc, nil
}

// DefaultAssistSettings returns the values used before an administrator has
// touched anything.
func DefaultAssistSettings() AssistSettings {
	return AssistSettings{
		Providers:         []string{"gemini", "ollama"},
		GeminiModel:       "gemini-2.5-flash",
		OllamaModel:       "llama3.1",
		Temperature:       0.2,
		MaxTokens:         1024,
		RetrievalTopK:     5,
		RetrievalMinScore: 0.25,
		HistoryLimit:      10,
	}
}

// LoadAssistSettings reads the effective settings, falling back to defaults
// for missing or unparseable keys.
func LoadAssistSettings(ctx context.Context, db *gorm.DB) AssistSettings {
	settings := DefaultAssistSettings()
	if db == nil {
		return settings
	}
	ctx = ensureContext(ctx)

	if raw, err := database.GetSystemSetting(ctx, db, assistProvidersSetting); err == nil {
		if providers := parseProviderList(raw); len(providers) > 0 {
			settings.Providers = providers
		}
	}
	if raw, err := database.GetSystemSetting(ctx, db, assistGeminiModelSetting); err == nil && strings.TrimSpace(raw) != "" {
		settings.GeminiModel = strings.TrimSpace(raw)
	}
	if raw, err := database.GetSystemSetting(ctx, db, assistOllamaModelSetting); err == nil && strings.TrimSpace(raw) != "" {
		settings.OllamaModel = strings.TrimSpace(raw)
	}
	if raw, err := database.GetSystemSetting(ctx, db, assistTemperatureSetting); err == nil {
		if value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && value > 0 && value <= 2 {
			settings.Temperature = value
		}
	}
	if raw, err := database.GetSystemSetting(ctx, db, assistMaxTokensSetting); err == nil {
		if value, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && value > 0 {
			settings.MaxTokens = value
		}
	}
	if raw, err := database.GetSystemSetting(ctx, db, assistTopKSetting); err == nil {
		if value, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && value > 0 {
			settings.RetrievalTopK = value
		}
	}
	if raw, err := database.GetSystemSetting(ctx, db, assistMinScoreSetting); err == nil {
		if value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && value > 0 && value <= 1 {
			settings.RetrievalMinScore = value
		}
	}
	if raw, err := database.GetSystemSetting(ctx, db, assistHistoryLimitSetting); err == nil {
		if value, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && value > 0 {
			settings.HistoryLimit = value
		}
	}

	return settings
}

// GetSettings returns currently effective assistant defaults.
func (s *AssistSettingsService) GetSettings(ctx context.Context) (AssistSettings, error) {
	return LoadAssistSettings(ensureContext(ctx), s.db), nil
}

// UpdateSettings persists the supplied configuration and returns the
// resulting state.
func (s *AssistSettingsService) UpdateSettings(ctx context.Context, organizationID, userID string, input UpdateAssistSettingsInput) (AssistSettings, error) {
	ctx = ensureContext(ctx)

	settings, err := normaliseAssistInput(input)
	if err != nil {
		return AssistSettings{}, err
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		values := map[string]string{
			assistProvidersSetting:    strings.Join(settings.Providers, ","),
			assistGeminiModelSetting:  settings.GeminiModel,
			assistOllamaModelSetting:  settings.OllamaModel,
			assistTemperatureSetting:  strconv.FormatFloat(settings.Temperature, 'f', -1, 64),
			assistMaxTokensSetting:    strconv.Itoa(settings.MaxTokens),
			assistTopKSetting:         strconv.Itoa(settings.RetrievalTopK),
			assistMinScoreSetting:     strconv.FormatFloat(settings.RetrievalMinScore, 'f', -1, 64),
			assistHistoryLimitSetting: strconv.Itoa(settings.HistoryLimit),
		}
		for key, value := range values {
			if err := database.UpsertSystemSetting(ctx, tx, key, value); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return AssistSettings{}, fmt.Errorf("assist settings service: update settings: %w", err)
	}

	if s.applier != nil {
		s.applier.ApplyAssistSettings(settings)
	}

	recordAudit(s.audit, ctx, AuditEntry{
		OrganizationID: optionalID(organizationID),
		UserID:         optionalID(userID),
		Action:         "settings.assist.updated",
		Resource:       "system:settings.assist",
		Result:         "success",
		Metadata: map[string]any{
			"providers":           strings.Join(settings.Providers, ","),
			"temperature":         settings.Temperature,
			"max_tokens":          settings.MaxTokens,
			"retrieval_top_k":     settings.RetrievalTopK,
			"retrieval_min_score": settings.RetrievalMinScore,
		},
	})

	return s.GetSettings(ctx)
}

func normaliseAssistInput(input UpdateAssistSettingsInput) (AssistSettings, error) {
	defaults := DefaultAssistSettings()

	providers := parseProviderList(strings.Join(input.Providers, ","))
	if len(providers) == 0 {
		return AssistSettings{}, fmt.Errorf("assist settings service: at least one provider is required")
	}
	for _, name := range providers {
		switch name {
		case "gemini", "ollama", "stub":
		default:
			return AssistSettings{}, fmt.Errorf("assist settings service: unknown provider %q", name)
		}
	}

	settings := AssistSettings{
		Providers:         providers,
		GeminiModel:       strings.TrimSpace(input.GeminiModel),
		OllamaModel:       strings.TrimSpace(input.OllamaModel),
		Temperature:       input.Temperature,
		MaxTokens:         input.MaxTokens,
		RetrievalTopK:     input.RetrievalTopK,
		RetrievalMinScore: input.RetrievalMinScore,
		HistoryLimit:      input.HistoryLimit,
	}

	if settings.GeminiModel == "" {
		settings.GeminiModel = defaults.GeminiModel
	}
	if settings.OllamaModel == "" {
		settings.OllamaModel = defaults.OllamaModel
	}
	if settings.Temperature <= 0 || settings.Temperature > 2 {
		settings.Temperature = defaults.Temperature
	}
	if settings.MaxTokens <= 0 {
		settings.MaxTokens = defaults.MaxTokens
	}
	if settings.RetrievalTopK <= 0 {
		settings.RetrievalTopK = defaults.RetrievalTopK
	}
	if settings.RetrievalMinScore <= 0 || settings.RetrievalMinScore > 1 {
		settings.RetrievalMinScore = defaults.RetrievalMinScore
	}
	if settings.HistoryLimit <= 0 {
		settings.HistoryLimit = defaults.HistoryLimit
	}

	return settings, nil
}

// parseProviderList splits a comma-separated provider list, lowercasing and
// dropping duplicates while keeping order.
func parseProviderList(raw string) []string {
	seen := make(map[string]struct{})
	providers := make([]string, 0, 3)
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		providers = append(providers, name)
	}
	return providers
}

func optionalID(id string) *string {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return &id
}
