package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/automation"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/pkg/response"
)

// AutomationHandler manages scripted rules and their run history.
type AutomationHandler struct {
	svc *automation.Service
}

func NewAutomationHandler(svc *automation.Service) (*AutomationHandler, error) {
	if svc == nil {
		return nil, errors.New("automation handler: service is required")
	}
	return &AutomationHandler{svc: svc}, nil
}

type createRuleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=256"`
	Description string `json:"description" validate:"omitempty,max=1024"`
	Kind        string `json:"kind" validate:"required,oneof=event schedule"`
	Trigger     string `json:"trigger" validate:"required,max=256"`
	Script      string `json:"script" validate:"required"`
}

type updateRuleRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=2,max=256"`
	Description *string `json:"description" validate:"omitempty,max=1024"`
	Kind        *string `json:"kind" validate:"omitempty,oneof=event schedule"`
	Trigger     *string `json:"trigger" validate:"omitempty,max=256"`
	Script      *string `json:"script"`
	Enabled     *bool   `json:"enabled"`
}

// GET /api/automation/rules
func (h *AutomationHandler) ListRules(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	opts := automation.ListRulesOptions{
		Page:     parseIntQuery(c, "page", 1),
		PageSize: parseIntQuery(c, "per_page", 50),
		Kind:     models.AutomationTriggerKind(strings.TrimSpace(c.Query("kind"))),
	}
	switch c.Query("enabled") {
	case "true":
		enabled := true
		opts.Enabled = &enabled
	case "false":
		enabled := false
		opts.Enabled = &enabled
	}

	rules, total, err := h.svc.ListRules(requestContext(c), orgID, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, rules, &response.Meta{
		Page:    opts.Page,
		PerPage: opts.PageSize,
		Total:   int(total),
	})
}

// GET /api/automation/rules/:id
func (h *AutomationHandler) GetRule(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	rule, err := h.svc.GetRule(requestContext(c), orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, rule)
}

// POST /api/automation/rules compiles the script before the rule is saved,
// so a broken script never reaches the runner.
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body createRuleRequest
	if !bindAndValidate(c, &body) {
		return
	}

	rule, err := h.svc.CreateRule(requestContext(c), automation.CreateRuleInput{
		OrganizationID: orgID,
		Name:           strings.TrimSpace(body.Name),
		Description:    body.Description,
		Kind:           models.AutomationTriggerKind(body.Kind),
		Trigger:        strings.TrimSpace(body.Trigger),
		Script:         body.Script,
		CreatedBy:      c.GetString(middleware.CtxUserIDKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, rule)
}

// PATCH /api/automation/rules/:id
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body updateRuleRequest
	if !bindAndValidate(c, &body) {
		return
	}

	var kind *models.AutomationTriggerKind
	if body.Kind != nil {
		converted := models.AutomationTriggerKind(*body.Kind)
		kind = &converted
	}

	rule, err := h.svc.UpdateRule(requestContext(c), orgID, c.Param("id"), automation.UpdateRuleInput{
		Name:        body.Name,
		Description: body.Description,
		Kind:        kind,
		Trigger:     body.Trigger,
		Script:      body.Script,
		Enabled:     body.Enabled,
	}, c.GetString(middleware.CtxUserIDKey))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, rule)
}

// DELETE /api/automation/rules/:id
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteRule(requestContext(c), orgID, c.Param("id"), c.GetString(middleware.CtxUserIDKey)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// GET /api/automation/rules/:id/runs
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	page := parseIntQuery(c, "page", 1)
	perPage := parseIntQuery(c, "per_page", 50)

	runs, total, err := h.svc.ListRuns(requestContext(c), orgID, c.Param("id"), page, perPage)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, runs, &response.Meta{
		Page:    page,
		PerPage: perPage,
		Total:   int(total),
	})
}
