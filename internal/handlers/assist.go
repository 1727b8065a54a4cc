package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/assist"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/permissions"
	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/response"
)

// AssistHandler exposes the AI assistant: grounded question answering,
// conversation history, and the tunable defaults.
type AssistHandler struct {
	svc      *assist.Service
	settings *services.AssistSettingsService
	checker  *permissions.Checker
}

func NewAssistHandler(svc *assist.Service, settings *services.AssistSettingsService, checker *permissions.Checker) (*AssistHandler, error) {
	if svc == nil {
		return nil, errors.New("assist handler: service is required")
	}
	if settings == nil {
		return nil, errors.New("assist handler: settings service is required")
	}
	if checker == nil {
		return nil, errors.New("assist handler: permission checker is required")
	}
	return &AssistHandler{svc: svc, settings: settings, checker: checker}, nil
}

type askRequest struct {
	ConversationID string  `json:"conversation_id" validate:"omitempty,uuid4"`
	Question       string  `json:"question" validate:"required,min=2,max=8192"`
	MaxTokens      int     `json:"max_tokens" validate:"min=0,max=32768"`
	Temperature    float32 `json:"temperature" validate:"min=0,max=2"`
}

func (r askRequest) toInput(c *gin.Context, orgID string) assist.AskInput {
	return assist.AskInput{
		OrganizationID: orgID,
		UserID:         c.GetString(middleware.CtxUserIDKey),
		ConversationID: strings.TrimSpace(r.ConversationID),
		Question:       r.Question,
		MaxTokens:      r.MaxTokens,
		Temperature:    r.Temperature,
	}
}

// POST /api/assist/ask answers a question over the caller's readable
// knowledge, creating or continuing a conversation.
func (h *AssistHandler) Ask(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body askRequest
	if !bindAndValidate(c, &body) {
		return
	}

	result, err := h.svc.Ask(requestContext(c), body.toInput(c, orgID))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// POST /api/assist/ask/stream answers over server-sent events: one delta
// event per model fragment, a final done event with citations, an error
// event if the pipeline fails after streaming began.
func (h *AssistHandler) AskStream(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body askRequest
	if !bindAndValidate(c, &body) {
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	result, err := h.svc.AskStream(requestContext(c), body.toInput(c, orgID), func(delta assist.Delta) error {
		if delta.Content != "" {
			c.SSEvent("delta", gin.H{"content": delta.Content})
			c.Writer.Flush()
		}
		return nil
	})
	if err != nil {
		c.SSEvent("error", gin.H{"message": err.Error()})
		c.Writer.Flush()
		return
	}

	c.SSEvent("done", result)
	c.Writer.Flush()
}

// GET /api/assist/conversations lists the caller's own threads. Holders
// of assist.configure may pass scope=org to see the whole organization.
func (h *AssistHandler) ListConversations(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	ctx := requestContext(c)
	callerID := c.GetString(middleware.CtxUserIDKey)

	opts := assist.ConversationListOptions{
		Page:     parseIntQuery(c, "page", 1),
		PageSize: parseIntQuery(c, "per_page", 50),
		Status:   models.ConversationStatus(strings.TrimSpace(c.Query("status"))),
	}

	if strings.TrimSpace(c.Query("scope")) == "org" {
		admin, err := h.checker.Check(ctx, callerID, "assist.configure")
		if err != nil {
			response.Error(c, err)
			return
		}
		opts.AllUsers = admin
	}

	conversations, total, err := h.svc.ListConversations(ctx, orgID, callerID, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, conversations, &response.Meta{
		Page:    opts.Page,
		PerPage: opts.PageSize,
		Total:   int(total),
	})
}

// GET /api/assist/conversations/:id
func (h *AssistHandler) GetConversation(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	conversation, err := h.svc.GetConversation(requestContext(c), orgID, c.GetString(middleware.CtxUserIDKey), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, conversation)
}

// GET /api/assist/conversations/:id/messages
func (h *AssistHandler) ListMessages(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	page := parseIntQuery(c, "page", 1)
	perPage := parseIntQuery(c, "per_page", 50)

	messages, total, err := h.svc.ListMessages(
		requestContext(c),
		orgID,
		c.GetString(middleware.CtxUserIDKey),
		c.Param("id"),
		page,
		perPage,
	)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, messages, &response.Meta{
		Page:    page,
		PerPage: perPage,
		Total:   int(total),
	})
}

// POST /api/assist/conversations/:id/archive
func (h *AssistHandler) ArchiveConversation(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	conversation, err := h.svc.ArchiveConversation(requestContext(c), orgID, c.GetString(middleware.CtxUserIDKey), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, conversation)
}

// DELETE /api/assist/conversations/:id
func (h *AssistHandler) DeleteConversation(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteConversation(requestContext(c), orgID, c.GetString(middleware.CtxUserIDKey), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// GET /api/assist/settings
func (h *AssistHandler) GetSettings(c *gin.Context) {
	settings, err := h.settings.GetSettings(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, settings)
}

// PUT /api/assist/settings replaces the assistant defaults and retunes the
// running gateway and retriever.
func (h *AssistHandler) UpdateSettings(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body services.UpdateAssistSettingsInput
	if !bindAndValidate(c, &body) {
		return
	}

	settings, err := h.settings.UpdateSettings(requestContext(c), orgID, c.GetString(middleware.CtxUserIDKey), body)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, settings)
}
