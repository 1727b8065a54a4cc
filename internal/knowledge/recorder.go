package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/pkg/logger"
)

// Recorder listens for domain events and keeps one compact document per
// source entity so the assistant can answer over ERP state. Documents are
// org-visible and owned by the organization's root user.
type Recorder struct {
	db      *gorm.DB
	service *Service
	log     *zap.Logger

	mu     sync.Mutex
	owners map[string]string
}

// NewRecorder constructs a Recorder on top of the knowledge service.
func NewRecorder(db *gorm.DB, service *Service) (*Recorder, error) {
	if db == nil {
		return nil, errors.New("knowledge recorder: db is required")
	}
	if service == nil {
		return nil, errors.New("knowledge recorder: service is required")
	}
	return &Recorder{
		db:      db,
		service: service,
		log:     logger.WithModule("knowledge.recorder"),
		owners:  make(map[string]string),
	}, nil
}

// Attach subscribes the recorder to the event bus and returns the
// unsubscribe function.
func (r *Recorder) Attach(bus *events.Bus) func() {
	if bus == nil {
		return func() {}
	}
	return bus.Subscribe(r.handle,
		events.CustomerNoteAdded,
		events.InvoiceIssued,
		events.ProjectStatusChanged,
	)
}

func (r *Recorder) handle(ctx context.Context, evt events.Event) {
	input, ok := r.render(evt)
	if !ok {
		return
	}

	owner, err := r.resolveOwner(ctx, evt.OrganizationID)
	if err != nil {
		r.log.Warn("skipping event, no document owner available",
			zap.String("event", evt.Name),
			zap.String("organization_id", evt.OrganizationID),
			zap.Error(err))
		return
	}
	input.OwnerUserID = owner

	if _, err := r.service.UpsertSourceDocument(ctx, input); err != nil {
		r.log.Warn("failed to record event document",
			zap.String("event", evt.Name),
			zap.String("organization_id", evt.OrganizationID),
			zap.Error(err))
	}
}

// render maps an event to document content. Events missing their source id
// are ignored.
func (r *Recorder) render(evt events.Event) (IngestInput, bool) {
	input := IngestInput{
		OrganizationID: evt.OrganizationID,
		Visibility:     string(models.VisibilityOrg),
	}

	switch evt.Name {
	case events.CustomerNoteAdded:
		id := payloadString(evt.Payload, "customer_id")
		if id == "" {
			return input, false
		}
		name := payloadString(evt.Payload, "name")
		code := payloadString(evt.Payload, "code")
		note := payloadString(evt.Payload, "note")
		if note == "" {
			return input, false
		}
		input.SourceType = string(models.SourceCRM)
		input.SourceRef = id
		input.Title = "Customer note: " + name
		input.Summary = "Latest note on customer " + code
		input.Tags = []string{"crm"}
		input.Content = fmt.Sprintf("Customer %s (%s).\n\nNote:\n%s", name, code, note)
		return input, true

	case events.InvoiceIssued:
		id := payloadString(evt.Payload, "invoice_id")
		if id == "" {
			return input, false
		}
		number := payloadString(evt.Payload, "number")
		total := formatCents(payloadInt(evt.Payload, "total_cents"))
		input.SourceType = string(models.SourceInvoice)
		input.SourceRef = id
		input.Title = "Invoice " + number
		input.Summary = "Invoice " + number + " issued for " + total
		input.Tags = []string{"billing"}
		input.Content = fmt.Sprintf(
			"Invoice %s was issued to customer %s.\n\nTotal amount: %s.",
			number, payloadString(evt.Payload, "customer_id"), total)
		return input, true

	case events.ProjectStatusChanged:
		id := payloadString(evt.Payload, "project_id")
		if id == "" {
			return input, false
		}
		name := payloadString(evt.Payload, "name")
		code := payloadString(evt.Payload, "code")
		status := payloadString(evt.Payload, "status")
		previous := payloadString(evt.Payload, "previous_status")
		input.SourceType = string(models.SourceProject)
		input.SourceRef = id
		input.Title = "Project " + code + ": " + name
		input.Summary = "Project " + code + " is now " + status
		input.Tags = []string{"projects"}
		input.Content = fmt.Sprintf(
			"Project %s (%s) moved from %s to %s.", name, code, previous, status)
		return input, true
	}

	return input, false
}

// resolveOwner picks a stable document owner for the organization: an
// active root user when one exists, otherwise the oldest active member.
func (r *Recorder) resolveOwner(ctx context.Context, organizationID string) (string, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return "", errors.New("event carries no organization")
	}

	r.mu.Lock()
	owner, cached := r.owners[organizationID]
	r.mu.Unlock()
	if cached {
		return owner, nil
	}

	var user models.User
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND is_active = ?", organizationID, true).
		Order("is_root DESC, created_at ASC").
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", errors.New("organization has no active users")
	}
	if err != nil {
		return "", fmt.Errorf("resolve owner: %w", err)
	}

	r.mu.Lock()
	r.owners[organizationID] = user.ID
	r.mu.Unlock()
	return user.ID, nil
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if value, ok := payload[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func payloadInt(payload map[string]any, key string) int64 {
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

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
