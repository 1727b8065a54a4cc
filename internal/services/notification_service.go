package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/realtime"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/logger"
	"github.com/corvalhq/corval/pkg/mail"
)

// NotificationDTO represents the API-friendly notification payload.
type NotificationDTO struct {
	ID             string               `json:"id"`
	OrganizationID string               `json:"organization_id,omitempty"`
	UserID         string               `json:"user_id"`
	Type           string               `json:"type"`
	Title          string               `json:"title"`
	Message        string               `json:"message"`
	Severity       string               `json:"severity"`
	ActionURL      string               `json:"action_url,omitempty"`
	Metadata       map[string]any       `json:"metadata,omitempty"`
	IsRead         bool                 `json:"is_read"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	ReadAt         *time.Time           `json:"read_at,omitempty"`
	Raw            *models.Notification `json:"-"`
}

// CreateNotificationInput defines attributes required to persist a notification.
type CreateNotificationInput struct {
	OrganizationID string
	UserID         string
	Type           string
	Title          string
	Message        string
	Severity       string
	ActionURL      string
	Metadata       map[string]any
	IsRead         bool
	// Mail mirrors the notification to the user's email when a mailer is
	// configured. Delivery failures never fail the create.
	Mail bool
}

// ListNotificationsInput defines filters for querying user notifications.
type ListNotificationsInput struct {
	UserID     string
	UnreadOnly bool
	Limit      int
	Offset     int
}

// NotificationEventPayload represents data sent to realtime consumers.
type NotificationEventPayload struct {
	Notification   *NotificationDTO `json:"notification,omitempty"`
	NotificationID string           `json:"notification_id,omitempty"`
}

// NotificationService manages user in-app notifications and fans them out to
// the realtime hub and, optionally, email.
type NotificationService struct {
	db     *gorm.DB
	hub    *realtime.Hub
	mailer mail.Mailer
	log    *zap.Logger
}

// NotificationOption customizes the notification service.
type NotificationOption func(*NotificationService)

// WithMailer enables the email mirror for notifications that request it.
func WithMailer(m mail.Mailer) NotificationOption {
	return func(s *NotificationService) {
		s.mailer = m
	}
}

// NewNotificationService constructs a NotificationService. The hub may be nil
// in contexts without realtime delivery.
func NewNotificationService(db *gorm.DB, hub *realtime.Hub, opts ...NotificationOption) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	s := &NotificationService{
		db:  db,
		hub: hub,
		log: logger.WithModule("services.notification"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Attach subscribes the service to the event bus so selected business
// events surface as notifications without each publisher knowing about
// this package. It returns the unsubscribe function.
func (s *NotificationService) Attach(bus *events.Bus) func() {
	if bus == nil {
		return func() {}
	}
	return bus.Subscribe(s.handleEvent,
		events.InvoiceIssued,
		events.UserLocked,
	)
}

func (s *NotificationService) handleEvent(ctx context.Context, evt events.Event) {
	switch evt.Name {
	case events.InvoiceIssued:
		s.onInvoiceIssued(ctx, evt)
	case events.UserLocked:
		s.onUserLocked(ctx, evt)
	}
}

// onInvoiceIssued notifies the issuing user in-app and mails the customer
// a copy of the invoice summary.
func (s *NotificationService) onInvoiceIssued(ctx context.Context, evt events.Event) {
	number := eventString(evt.Payload, "number")
	total := eventInt(evt.Payload, "total_cents")
	currency := eventString(evt.Payload, "currency")
	if currency == "" {
		currency = "USD"
	}

	if evt.ActorID != "" {
		_, err := s.Create(ctx, CreateNotificationInput{
			OrganizationID: evt.OrganizationID,
			UserID:         evt.ActorID,
			Type:           "billing",
			Title:          "Invoice " + number + " issued",
			Message:        fmt.Sprintf("Invoice %s for %s %s was issued.", number, currency, mail.FormatCents(total)),
			Severity:       "info",
			Metadata: map[string]any{
				"invoice_id": eventString(evt.Payload, "invoice_id"),
				"number":     number,
			},
		})
		if err != nil {
			s.log.Warn("invoice notification failed",
				zap.String("organization_id", evt.OrganizationID),
				zap.String("user_id", evt.ActorID),
				zap.Error(err))
		}
	}

	s.mailInvoiceIssued(ctx, evt, number, total, currency)
}

func (s *NotificationService) mailInvoiceIssued(ctx context.Context, evt events.Event, number string, total int64, currency string) {
	if s.mailer == nil {
		return
	}
	customerID := eventString(evt.Payload, "customer_id")
	if customerID == "" {
		return
	}

	var customer models.Customer
	if err := s.db.WithContext(ctx).Select("id", "name", "email").First(&customer, "id = ?", customerID).Error; err != nil {
		s.log.Warn("invoice mail skipped: customer lookup failed",
			zap.String("customer_id", customerID), zap.Error(err))
		return
	}
	if strings.TrimSpace(customer.Email) == "" {
		return
	}

	orgName := "your supplier"
	var org models.Organization
	if err := s.db.WithContext(ctx).Select("id", "name").First(&org, "id = ?", evt.OrganizationID).Error; err == nil && strings.TrimSpace(org.Name) != "" {
		orgName = org.Name
	}

	msg := mail.InvoiceIssuedMessage(customer.Email, orgName, number, total, currency)
	if err := s.mailer.Send(ctx, msg); err != nil {
		if errors.Is(err, mail.ErrSMTPDisabled) {
			return
		}
		s.log.Warn("invoice mail failed",
			zap.String("customer_id", customerID),
			zap.String("number", number),
			zap.Error(err))
	}
}

// onUserLocked records the lockout for the affected user and warns them by
// mail. The in-app row waits for them behind the next successful login.
func (s *NotificationService) onUserLocked(ctx context.Context, evt events.Event) {
	userID := eventString(evt.Payload, "user_id")
	if userID == "" {
		userID = evt.ActorID
	}
	if userID == "" {
		return
	}

	minutes := int(eventInt(evt.Payload, "minutes"))
	if minutes <= 0 {
		minutes = 15
	}

	_, err := s.Create(ctx, CreateNotificationInput{
		OrganizationID: evt.OrganizationID,
		UserID:         userID,
		Type:           "security",
		Title:          "Account locked",
		Message:        fmt.Sprintf("Too many failed sign-in attempts. The account unlocks in about %d minutes.", minutes),
		Severity:       "warning",
	})
	if err != nil {
		s.log.Warn("lockout notification failed",
			zap.String("user_id", userID), zap.Error(err))
	}

	if s.mailer == nil {
		return
	}
	email := eventString(evt.Payload, "email")
	if email == "" {
		return
	}
	msg := mail.LockoutMessage(email, eventString(evt.Payload, "username"), minutes)
	if err := s.mailer.Send(ctx, msg); err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
		s.log.Warn("lockout mail failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}

// ListForUser returns notifications for the supplied user ordered by recency.
func (s *NotificationService) ListForUser(ctx context.Context, input ListNotificationsInput) ([]NotificationDTO, error) {
	ctx = ensureContext(ctx)
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("notification service: user id is required")
	}

	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if input.UnreadOnly {
		query = query.Where("is_read = ?", false)
	}

	var rows []models.Notification
	if err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(max(0, input.Offset)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("notification service: list notifications: %w", err)
	}

	return mapNotificationRows(rows), nil
}

// CountUnread reports how many notifications the user has not read yet.
func (s *NotificationService) CountUnread(ctx context.Context, userID string) (int64, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("notification service: user id is required")
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("notification service: count unread: %w", err)
	}
	return count, nil
}

// Create registers a new notification, pushes it to connected clients, and
// optionally mirrors it to email. Only the database write can fail.
func (s *NotificationService) Create(ctx context.Context, input CreateNotificationInput) (*NotificationDTO, error) {
	ctx = ensureContext(ctx)
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("notification service: user id is required")
	}
	notificationType := strings.TrimSpace(input.Type)
	if notificationType == "" {
		return nil, errors.New("notification service: type is required")
	}

	notification := models.Notification{
		UserID:    userID,
		Type:      notificationType,
		Title:     strings.TrimSpace(input.Title),
		Message:   strings.TrimSpace(input.Message),
		Severity:  strings.TrimSpace(defaultIfEmpty(input.Severity, "info")),
		ActionURL: strings.TrimSpace(input.ActionURL),
		IsRead:    input.IsRead,
	}
	if orgID := strings.TrimSpace(input.OrganizationID); orgID != "" {
		notification.OrganizationID = &orgID
	}

	if input.Metadata != nil {
		if data, err := json.Marshal(input.Metadata); err == nil {
			notification.Metadata = datatypes.JSON(data)
		} else {
			return nil, fmt.Errorf("notification service: marshal metadata: %w", err)
		}
	}

	if input.IsRead {
		now := time.Now().UTC()
		notification.ReadAt = &now
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return nil, fmt.Errorf("notification service: create notification: %w", err)
	}

	dto := mapNotification(notification)
	s.broadcast(dto.OrganizationID, userID, "notification.created", &NotificationEventPayload{
		Notification: &dto,
	})
	if input.Mail {
		s.mirrorToMail(ctx, &notification)
	}
	return &dto, nil
}

// MarkRead sets the notification read flag for a user.
func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) (*NotificationDTO, error) {
	ctx = ensureContext(ctx)
	var notification models.Notification
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		First(&notification).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("notification service: load notification: %w", err)
	}

	now := time.Now().UTC()
	notification.IsRead = true
	notification.ReadAt = &now

	if err := s.db.WithContext(ctx).Model(&notification).
		Updates(map[string]any{
			"is_read": true,
			"read_at": now,
		}).Error; err != nil {
		return nil, fmt.Errorf("notification service: mark read: %w", err)
	}

	dto := mapNotification(notification)
	dto.IsRead = true
	dto.ReadAt = &now

	s.broadcast(dto.OrganizationID, userID, "notification.read", &NotificationEventPayload{
		Notification:   &dto,
		NotificationID: notification.ID,
	})

	return &dto, nil
}

// MarkUnread unsets the notification read flag.
func (s *NotificationService) MarkUnread(ctx context.Context, userID, notificationID string) (*NotificationDTO, error) {
	ctx = ensureContext(ctx)
	var notification models.Notification
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		First(&notification).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("notification service: load notification: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&notification).
		Updates(map[string]any{
			"is_read": false,
			"read_at": nil,
		}).Error; err != nil {
		return nil, fmt.Errorf("notification service: mark unread: %w", err)
	}

	notification.IsRead = false
	notification.ReadAt = nil
	dto := mapNotification(notification)

	s.broadcast(dto.OrganizationID, userID, "notification.updated", &NotificationEventPayload{
		Notification:   &dto,
		NotificationID: notification.ID,
	})

	return &dto, nil
}

// Delete removes a notification owned by the supplied user.
func (s *NotificationService) Delete(ctx context.Context, userID, notificationID string) error {
	ctx = ensureContext(ctx)
	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Delete(&models.Notification{})
	if result.Error != nil {
		return fmt.Errorf("notification service: delete notification: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}

	s.broadcast("", userID, "notification.deleted", &NotificationEventPayload{
		NotificationID: notificationID,
	})
	return nil
}

// MarkAllRead marks all notifications for the user as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{
			"is_read": true,
			"read_at": now,
		}).Error; err != nil {
		return fmt.Errorf("notification service: mark all read: %w", err)
	}

	s.broadcast("", userID, "notification.read_all", nil)
	return nil
}

func (s *NotificationService) broadcast(organizationID, userID, event string, payload *NotificationEventPayload) {
	if s.hub == nil {
		return
	}
	message := realtime.Message{
		Topic: realtime.TopicNotification,
		Event: event,
	}
	if payload != nil {
		message.Data = payload
	}
	s.hub.PublishToUser(organizationID, userID, message)
}

// mirrorToMail sends the notification to the user's email address. Failures
// are logged and swallowed so they cannot undo the stored notification.
func (s *NotificationService) mirrorToMail(ctx context.Context, notification *models.Notification) {
	if s.mailer == nil {
		return
	}

	var user models.User
	if err := s.db.WithContext(ctx).Select("id", "email").First(&user, "id = ?", notification.UserID).Error; err != nil {
		s.log.Warn("notification mail skipped: user lookup failed",
			zap.String("user_id", notification.UserID), zap.Error(err))
		return
	}
	if strings.TrimSpace(user.Email) == "" {
		return
	}

	msg := mail.NotificationMessage(user.Email, notification.Title, notification.Message)
	if err := s.mailer.Send(ctx, msg); err != nil {
		if errors.Is(err, mail.ErrSMTPDisabled) {
			s.log.Debug("notification mail disabled", zap.String("user_id", notification.UserID))
			return
		}
		s.log.Warn("notification mail failed",
			zap.String("user_id", notification.UserID),
			zap.String("notification_id", notification.ID),
			zap.Error(err))
	}
}

func mapNotificationRows(rows []models.Notification) []NotificationDTO {
	items := make([]NotificationDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapNotification(row))
	}
	return items
}

func mapNotification(row models.Notification) NotificationDTO {
	dto := NotificationDTO{
		ID:        row.ID,
		UserID:    row.UserID,
		Type:      row.Type,
		Title:     row.Title,
		Message:   row.Message,
		Severity:  defaultIfEmpty(row.Severity, "info"),
		ActionURL: row.ActionURL,
		Metadata:  decodeJSON(row.Metadata),
		IsRead:    row.IsRead,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		ReadAt:    row.ReadAt,
		Raw:       &row,
	}
	if row.OrganizationID != nil {
		dto.OrganizationID = *row.OrganizationID
	}
	return dto
}

func decodeJSON(data datatypes.JSON) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func eventString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if value, ok := payload[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func eventInt(payload map[string]any, key string) int64 {
	if payload == nil {
		return 0
	}
	switch value := payload[key].(type) {
	case int64:
		return value
	case int:
		return int64(value)
	case float64:
		return int64(value)
	}
	return 0
}
