package handlers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/response"
)

// AuditHandler serves the audit trail. Organization admins are pinned to
// their own tenant; root may select any with the org query parameter.
type AuditHandler struct {
	svc *services.AuditService
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(svc *services.AuditService) (*AuditHandler, error) {
	if svc == nil {
		return nil, errors.New("audit handler: audit service is required")
	}
	return &AuditHandler{svc: svc}, nil
}

// GET /api/audit
func (h *AuditHandler) List(c *gin.Context) {
	page := parseIntQuery(c, "page", 1)
	perPage := parseIntQuery(c, "per_page", 50)

	logs, total, err := h.svc.List(requestContext(c), services.AuditListOptions{
		Page:     page,
		PageSize: perPage,
		Filters:  auditFiltersFromQuery(c),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, logs, &response.Meta{Page: page, PerPage: perPage, Total: int(total)})
}

// GET /api/audit/export
// The default body is the JSON envelope; format=csv downloads the rows as
// an attachment instead.
func (h *AuditHandler) Export(c *gin.Context) {
	logs, err := h.svc.Export(requestContext(c), auditFiltersFromQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	if strings.EqualFold(strings.TrimSpace(c.Query("format")), "csv") {
		h.exportCSV(c, logs)
		return
	}

	response.Success(c, http.StatusOK, logs)
}

func (h *AuditHandler) exportCSV(c *gin.Context, logs []models.AuditLog) {
	filename := fmt.Sprintf("audit-%s.csv", time.Now().UTC().Format("2006-01-02"))

	c.Writer.Header().Set("Content-Type", "text/csv; charset=utf-8")
	c.Writer.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Writer.WriteHeader(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"created_at", "organization_id", "user_id", "username", "action", "resource", "result", "ip_address", "metadata"})
	for i := range logs {
		row := &logs[i]
		var orgID, userID string
		if row.OrganizationID != nil {
			orgID = *row.OrganizationID
		}
		if row.UserID != nil {
			userID = *row.UserID
		}
		if err := w.Write([]string{
			row.CreatedAt.UTC().Format(time.RFC3339),
			orgID,
			userID,
			row.Username,
			row.Action,
			row.Resource,
			row.Result,
			row.IPAddress,
			row.Metadata,
		}); err != nil {
			c.Error(err) // best effort logging
			return
		}
	}
	w.Flush()
}

func auditFiltersFromQuery(c *gin.Context) services.AuditFilters {
	organizationID := middleware.OrganizationID(c)
	if organizationID == "" {
		organizationID = strings.TrimSpace(c.Query("org"))
	}

	filters := services.AuditFilters{
		OrganizationID: organizationID,
		UserID:         c.Query("user_id"),
		Action:         c.Query("action"),
		Result:         c.Query("result"),
		Resource:       c.Query("resource"),
	}
	if since := parseTimeQuery(c, "since"); since != nil {
		filters.Since = since
	}
	if until := parseTimeQuery(c, "until"); until != nil {
		filters.Until = until
	}
	return filters
}
