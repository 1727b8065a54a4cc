package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/plugins"
	"github.com/corvalhq/corval/pkg/response"
)

// PluginHandler exposes the extension lifecycle and manual runs.
type PluginHandler struct {
	svc        *plugins.Service
	dispatcher *plugins.Dispatcher
}

func NewPluginHandler(svc *plugins.Service, dispatcher *plugins.Dispatcher) (*PluginHandler, error) {
	if svc == nil {
		return nil, errors.New("plugin handler: service is required")
	}
	if dispatcher == nil {
		return nil, errors.New("plugin handler: dispatcher is required")
	}
	return &PluginHandler{svc: svc, dispatcher: dispatcher}, nil
}

type installPluginRequest struct {
	Manifest json.RawMessage `json:"manifest" validate:"required"`
	Source   string          `json:"source" validate:"required"`
}

type runPluginRequest struct {
	Payload map[string]any `json:"payload"`
}

// GET /api/plugins
func (h *PluginHandler) List(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	opts := plugins.ListOptions{
		Page:     parseIntQuery(c, "page", 1),
		PageSize: parseIntQuery(c, "per_page", 50),
		Status:   models.PluginStatus(strings.TrimSpace(c.Query("status"))),
	}

	items, total, err := h.svc.List(requestContext(c), orgID, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, items, &response.Meta{
		Page:    opts.Page,
		PerPage: opts.PageSize,
		Total:   int(total),
	})
}

// GET /api/plugins/:id
func (h *PluginHandler) Get(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	plugin, err := h.svc.Get(requestContext(c), orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, plugin)
}

// POST /api/plugins installs from a manifest and source pair. The sandbox
// compile-checks the source before anything is persisted.
func (h *PluginHandler) Install(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body installPluginRequest
	if !bindAndValidate(c, &body) {
		return
	}

	plugin, err := h.svc.Install(requestContext(c), plugins.InstallInput{
		OrganizationID: orgID,
		Manifest:       body.Manifest,
		Source:         body.Source,
		InstalledBy:    c.GetString(middleware.CtxUserIDKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, plugin)
}

// POST /api/plugins/:id/enable
func (h *PluginHandler) Enable(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	plugin, err := h.svc.Enable(requestContext(c), orgID, c.Param("id"), c.GetString(middleware.CtxUserIDKey))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, plugin)
}

// POST /api/plugins/:id/disable
func (h *PluginHandler) Disable(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	plugin, err := h.svc.Disable(requestContext(c), orgID, c.Param("id"), c.GetString(middleware.CtxUserIDKey))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, plugin)
}

// DELETE /api/plugins/:id
func (h *PluginHandler) Uninstall(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	if err := h.svc.Uninstall(requestContext(c), orgID, c.Param("id"), c.GetString(middleware.CtxUserIDKey)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"uninstalled": true})
}

// GET /api/plugins/:id/executions
func (h *PluginHandler) ListExecutions(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	page := parseIntQuery(c, "page", 1)
	perPage := parseIntQuery(c, "per_page", 50)

	executions, total, err := h.svc.ListExecutions(requestContext(c), orgID, c.Param("id"), page, perPage)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, executions, &response.Meta{
		Page:    page,
		PerPage: perPage,
		Total:   int(total),
	})
}

// POST /api/plugins/:id/run executes an enabled plugin once with a
// caller-supplied payload and returns the recorded execution.
func (h *PluginHandler) Run(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body runPluginRequest
	if c.Request != nil && c.Request.ContentLength > 0 {
		if !bindAndValidate(c, &body) {
			return
		}
	}

	ctx := requestContext(c)
	plugin, err := h.svc.Get(ctx, orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	execution, err := h.dispatcher.RunManual(ctx, plugin, orgID, c.GetString(middleware.CtxUserIDKey), body.Payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, execution)
}
