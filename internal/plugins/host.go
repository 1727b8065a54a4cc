package plugins

import (
	"context"
	"net/http"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"

	"github.com/corvalhq/corval/internal/knowledge"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
	apperrors "github.com/corvalhq/corval/pkg/errors"
)

// ErrCapabilityDenied is returned when a plugin calls a host function its
// manifest never asked for.
var ErrCapabilityDenied = apperrors.New("PLUGIN_CAPABILITY_DENIED", "plugin manifest does not grant this capability", http.StatusForbidden)

const (
	capabilitySearchDocuments = "document.view"
	capabilityNotify          = "notification.manage"

	hostSearchLimit = 20
)

// DocumentSearcher is the slice of the knowledge service the host exposes.
type DocumentSearcher interface {
	List(ctx context.Context, organizationID string, opts knowledge.ListOptions) ([]models.Document, int64, error)
}

// NotificationCreator is the slice of the notification service the host
// exposes.
type NotificationCreator interface {
	Create(ctx context.Context, input services.CreateNotificationInput) (*services.NotificationDTO, error)
}

// HostAPI is what plugin code reaches through the corval/host import. Every
// call checks the granted capabilities before touching a backing service, so
// a manifest that never asked for a capability cannot use it at run time
// either.
type HostAPI struct {
	pluginName     string
	organizationID string
	caps           map[string]struct{}
	documents      DocumentSearcher
	notifications  NotificationCreator
}

// NewHostAPI scopes a host facade to one plugin run.
func NewHostAPI(pluginName, organizationID string, capabilities []string, documents DocumentSearcher, notifications NotificationCreator) *HostAPI {
	caps := make(map[string]struct{}, len(capabilities))
	for _, capability := range capabilities {
		caps[capability] = struct{}{}
	}
	return &HostAPI{
		pluginName:     pluginName,
		organizationID: organizationID,
		caps:           caps,
		documents:      documents,
		notifications:  notifications,
	}
}

func (h *HostAPI) granted(capability string) bool {
	_, ok := h.caps[capability]
	return ok
}

// SearchDocuments returns indexed documents matching the query, trimmed to
// the fields a plugin needs. Requires the document.view capability.
func (h *HostAPI) SearchDocuments(ctx context.Context, query string, limit int) ([]map[string]any, error) {
	if !h.granted(capabilitySearchDocuments) {
		return nil, ErrCapabilityDenied
	}
	if h.documents == nil {
		return nil, apperrors.New("PLUGIN_HOST_UNAVAILABLE", "document search is not available", http.StatusServiceUnavailable)
	}
	if limit <= 0 || limit > hostSearchLimit {
		limit = hostSearchLimit
	}

	docs, _, err := h.documents.List(ctx, h.organizationID, knowledge.ListOptions{
		Search:   strings.TrimSpace(query),
		Status:   string(models.DocumentStatusIndexed),
		PageSize: limit,
	})
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		results = append(results, map[string]any{
			"id":          doc.ID,
			"title":       doc.Title,
			"summary":     doc.Summary,
			"source_type": string(doc.SourceType),
		})
	}
	return results, nil
}

// Notify creates an in-app notification for a user in the plugin's
// organization. Requires the notification.manage capability.
func (h *HostAPI) Notify(ctx context.Context, userID, title, message string) error {
	if !h.granted(capabilityNotify) {
		return ErrCapabilityDenied
	}
	if h.notifications == nil {
		return apperrors.New("PLUGIN_HOST_UNAVAILABLE", "notifications are not available", http.StatusServiceUnavailable)
	}

	_, err := h.notifications.Create(ctx, services.CreateNotificationInput{
		OrganizationID: h.organizationID,
		UserID:         strings.TrimSpace(userID),
		Type:           "plugin",
		Title:          strings.TrimSpace(title),
		Message:        strings.TrimSpace(message),
		Severity:       "info",
		Metadata:       map[string]any{"plugin": h.pluginName},
	})
	return err
}

// bind exposes the facade inside the interpreter under the corval/host
// import path. The run context is captured here so plugin code cannot
// outlive its deadline through the host.
func (h *HostAPI) bind(ctx context.Context) interp.Exports {
	search := func(query string, limit int) ([]map[string]any, error) {
		return h.SearchDocuments(ctx, query, limit)
	}
	notify := func(userID, title, message string) error {
		return h.Notify(ctx, userID, title, message)
	}
	return interp.Exports{
		hostImportPath + "/host": {
			"SearchDocuments": reflect.ValueOf(search),
			"Notify":          reflect.ValueOf(notify),
		},
	}
}
