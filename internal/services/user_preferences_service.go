package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	apperrors "github.com/corvalhq/corval/pkg/errors"
)

// UserPreferences represents persisted user-level customisations.
type UserPreferences struct {
	Appearance    AppearancePreferences   `json:"appearance"`
	Locale        LocalePreferences       `json:"locale"`
	Notifications NotificationPreferences `json:"notifications"`
}

// AppearancePreferences controls how the workspace renders for the user.
type AppearancePreferences struct {
	Theme   string `json:"theme"`
	Density string `json:"density"`
}

// LocalePreferences groups language and formatting settings.
type LocalePreferences struct {
	Language   string `json:"language"`
	Timezone   string `json:"timezone"`
	DateFormat string `json:"date_format"`
}

// NotificationPreferences enumerates user-tunable delivery channels.
type NotificationPreferences struct {
	Email   bool   `json:"email"`
	Desktop bool   `json:"desktop"`
	Digest  string `json:"digest"`
}

// UserPreferencesService coordinates CRUD operations for user preference data.
type UserPreferencesService struct {
	db    *gorm.DB
	audit *AuditService
}

// NewUserPreferencesService constructs a UserPreferencesService with the supplied dependencies.
func NewUserPreferencesService(db *gorm.DB, audit *AuditService) (*UserPreferencesService, error) {
	if db == nil {
		return nil, fmt.Errorf("user preferences service: db is required")
	}
	return &UserPreferencesService{
		db:    db,
		audit: audit,
	}, nil
}

// Get returns the effective preference set for the specified user.
func (s *UserPreferencesService) Get(ctx context.Context, userID string) (UserPreferences, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return DefaultUserPreferences(), apperrors.NewBadRequest("user id is required")
	}

	var user struct {
		ID          string
		Preferences datatypes.JSONMap
	}

	err := s.db.WithContext(ctx).
		Table("users").
		Select("id", "preferences").
		Where("id = ?", userID).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DefaultUserPreferences(), ErrUserNotFound
		}
		return DefaultUserPreferences(), fmt.Errorf("user preferences service: load user preferences: %w", err)
	}

	return NormaliseUserPreferences(user.Preferences), nil
}

// Update persists preference changes for the specified user.
func (s *UserPreferencesService) Update(ctx context.Context, userID string, prefs UserPreferences) (UserPreferences, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return DefaultUserPreferences(), apperrors.NewBadRequest("user id is required")
	}

	var user struct {
		ID          string
		Preferences datatypes.JSONMap
	}

	err := s.db.WithContext(ctx).
		Table("users").
		Select("id", "preferences").
		Where("id = ?", userID).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DefaultUserPreferences(), ErrUserNotFound
		}
		return DefaultUserPreferences(), fmt.Errorf("user preferences service: load user: %w", err)
	}

	sanitised := sanitizeUserPreferences(prefs)
	payload := MarshalUserPreferences(sanitised)

	err = s.db.WithContext(ctx).
		Table("users").
		Where("id = ?", userID).
		Update("preferences", payload).Error
	if err != nil {
		return DefaultUserPreferences(), fmt.Errorf("user preferences service: update preferences: %w", err)
	}

	err = s.db.WithContext(ctx).
		Table("users").
		Select("preferences").
		Where("id = ?", userID).
		First(&user).Error
	if err != nil {
		return DefaultUserPreferences(), fmt.Errorf("user preferences service: reload preferences: %w", err)
	}

	result := NormaliseUserPreferences(user.Preferences)

	if s.audit != nil {
		entry := AuditEntry{
			Action:   "user.preferences.update",
			Resource: userID,
			Result:   "success",
			Metadata: map[string]any{
				"theme":          result.Appearance.Theme,
				"density":        result.Appearance.Density,
				"language":       result.Locale.Language,
				"timezone":       result.Locale.Timezone,
				"date_format":    result.Locale.DateFormat,
				"notify_email":   result.Notifications.Email,
				"notify_desktop": result.Notifications.Desktop,
				"notify_digest":  result.Notifications.Digest,
			},
		}
		_ = s.audit.Log(ctx, entry)
	}

	return result, nil
}

// DefaultUserPreferences returns the canonical defaults applied when no user preference exists.
func DefaultUserPreferences() UserPreferences {
	return UserPreferences{
		Appearance: AppearancePreferences{
			Theme:   "system",
			Density: "comfortable",
		},
		Locale: LocalePreferences{
			Language:   "en",
			Timezone:   "UTC",
			DateFormat: "YYYY-MM-DD",
		},
		Notifications: NotificationPreferences{
			Email:   true,
			Desktop: true,
			Digest:  "daily",
		},
	}
}

// NormaliseUserPreferences coerces the raw JSON map (if any) into a strongly typed structure with defaults applied.
func NormaliseUserPreferences(raw datatypes.JSONMap) UserPreferences {
	prefs := DefaultUserPreferences()
	if len(raw) == 0 {
		return prefs
	}

	if appearanceNode, ok := toMap(raw["appearance"]); ok {
		if theme, ok := asString(appearanceNode["theme"]); ok {
			prefs.Appearance.Theme = normaliseTheme(theme)
		}
		if density, ok := asString(appearanceNode["density"]); ok {
			prefs.Appearance.Density = normaliseDensity(density)
		}
	}

	if localeNode, ok := toMap(raw["locale"]); ok {
		if language, ok := asString(localeNode["language"]); ok && strings.TrimSpace(language) != "" {
			prefs.Locale.Language = strings.TrimSpace(language)
		}
		if timezone, ok := asString(localeNode["timezone"]); ok && strings.TrimSpace(timezone) != "" {
			prefs.Locale.Timezone = strings.TrimSpace(timezone)
		}
		if format, ok := asString(localeNode["date_format"]); ok {
			prefs.Locale.DateFormat = normaliseDateFormat(format)
		}
	}

	if notifyNode, ok := toMap(raw["notifications"]); ok {
		if email, ok := asBool(notifyNode["email"]); ok {
			prefs.Notifications.Email = email
		}
		if desktop, ok := asBool(notifyNode["desktop"]); ok {
			prefs.Notifications.Desktop = desktop
		}
		if digest, ok := asString(notifyNode["digest"]); ok {
			prefs.Notifications.Digest = normaliseDigest(digest)
		}
	}

	return prefs
}

// MarshalUserPreferences converts the structured preferences into the JSON map persisted in the database.
func MarshalUserPreferences(prefs UserPreferences) datatypes.JSONMap {
	appearance := map[string]any{
		"theme":   normaliseTheme(prefs.Appearance.Theme),
		"density": normaliseDensity(prefs.Appearance.Density),
	}

	locale := map[string]any{
		"language":    strings.TrimSpace(prefs.Locale.Language),
		"timezone":    strings.TrimSpace(prefs.Locale.Timezone),
		"date_format": normaliseDateFormat(prefs.Locale.DateFormat),
	}

	notifications := map[string]any{
		"email":   prefs.Notifications.Email,
		"desktop": prefs.Notifications.Desktop,
		"digest":  normaliseDigest(prefs.Notifications.Digest),
	}

	return datatypes.JSONMap{
		"appearance":    appearance,
		"locale":        locale,
		"notifications": notifications,
	}
}

func sanitizeUserPreferences(input UserPreferences) UserPreferences {
	defaults := DefaultUserPreferences()

	defaults.Appearance.Theme = normaliseTheme(input.Appearance.Theme)
	defaults.Appearance.Density = normaliseDensity(input.Appearance.Density)
	if trimmed := strings.TrimSpace(input.Locale.Language); trimmed != "" {
		defaults.Locale.Language = trimmed
	}
	if trimmed := strings.TrimSpace(input.Locale.Timezone); trimmed != "" {
		defaults.Locale.Timezone = trimmed
	}
	defaults.Locale.DateFormat = normaliseDateFormat(input.Locale.DateFormat)
	defaults.Notifications.Email = input.Notifications.Email
	defaults.Notifications.Desktop = input.Notifications.Desktop
	defaults.Notifications.Digest = normaliseDigest(input.Notifications.Digest)

	return defaults
}

func normaliseTheme(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "light":
		return "light"
	case "dark":
		return "dark"
	case "system", "auto", "os":
		return "system"
	default:
		return "system"
	}
}

func normaliseDensity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "compact", "dense", "condensed":
		return "compact"
	default:
		return "comfortable"
	}
}

func normaliseDateFormat(value string) string {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "DD/MM/YYYY":
		return "DD/MM/YYYY"
	case "MM/DD/YYYY":
		return "MM/DD/YYYY"
	case "DD.MM.YYYY":
		return "DD.MM.YYYY"
	default:
		return "YYYY-MM-DD"
	}
}

func normaliseDigest(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none", "off":
		return "none"
	case "weekly":
		return "weekly"
	default:
		return "daily"
	}
}

func toMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case datatypes.JSONMap:
		return map[string]any(typed), true
	default:
		return nil, false
	}
}

func asString(value any) (string, bool) {
	str, ok := value.(string)
	if ok {
		return str, true
	}
	return "", false
}

func asBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		if strings.TrimSpace(v) == "" {
			return false, false
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return parsed, true
	default:
		return false, false
	}
}
