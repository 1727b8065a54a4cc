package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/response"
)

// BillingHandler reports assistant usage: raw per-request records and the
// monthly rollups billing reads from.
type BillingHandler struct {
	usage *services.UsageService
}

func NewBillingHandler(usage *services.UsageService) (*BillingHandler, error) {
	if usage == nil {
		return nil, errors.New("billing handler: usage service is required")
	}
	return &BillingHandler{usage: usage}, nil
}

// GET /api/billing/usage
func (h *BillingHandler) ListUsage(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	opts := services.UsageListOptions{
		Page:           parseIntQuery(c, "page", 1),
		PageSize:       parseIntQuery(c, "per_page", 50),
		Provider:       strings.TrimSpace(c.Query("provider")),
		UserID:         strings.TrimSpace(c.Query("user")),
		ConversationID: strings.TrimSpace(c.Query("conversation")),
		From:           parseTimeQuery(c, "from"),
		To:             parseTimeQuery(c, "to"),
	}

	records, total, err := h.usage.List(requestContext(c), orgID, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, records, &response.Meta{
		Page:    opts.Page,
		PerPage: opts.PageSize,
		Total:   int(total),
	})
}

// GET /api/billing/summary returns the per-provider rollups for a period plus
// a live total computed from raw records. The two disagree until the monthly
// rollup job has run; the live total is authoritative.
func (h *BillingHandler) Summary(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	period := strings.TrimSpace(c.Query("period"))
	if period == "" {
		period = time.Now().UTC().Format("2006-01")
	}

	ctx := requestContext(c)
	rollups, err := h.usage.Summaries(ctx, orgID, period)
	if err != nil {
		response.Error(c, err)
		return
	}
	totals, err := h.usage.PeriodTotals(ctx, orgID, period)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"period":    period,
		"providers": rollups,
		"totals":    totals,
	})
}
