package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/assist"
	"github.com/corvalhq/corval/internal/knowledge"
	"github.com/corvalhq/corval/internal/middleware"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/response"
)

// DocumentHandler exposes the knowledge base. Reads are double-gated: the
// route permission gets a caller in the door, the access resolver decides
// per document. Unreadable documents answer 404 so their existence leaks
// nothing.
type DocumentHandler struct {
	svc       *knowledge.Service
	resolver  *knowledge.Resolver
	retriever *assist.Retriever
}

func NewDocumentHandler(svc *knowledge.Service, resolver *knowledge.Resolver, retriever *assist.Retriever) (*DocumentHandler, error) {
	if svc == nil {
		return nil, errors.New("document handler: knowledge service is required")
	}
	if resolver == nil {
		return nil, errors.New("document handler: access resolver is required")
	}
	if retriever == nil {
		return nil, errors.New("document handler: retriever is required")
	}
	return &DocumentHandler{svc: svc, resolver: resolver, retriever: retriever}, nil
}

type ingestDocumentRequest struct {
	Title        string   `json:"title" validate:"required,min=2,max=512"`
	SourceType   string   `json:"source_type" validate:"omitempty,oneof=upload note crm invoice project plugin"`
	SourceRef    string   `json:"source_ref" validate:"omitempty,max=256"`
	MimeType     string   `json:"mime_type" validate:"omitempty,max=128"`
	Content      string   `json:"content" validate:"required"`
	Summary      string   `json:"summary" validate:"omitempty,max=2048"`
	Visibility   string   `json:"visibility" validate:"omitempty,oneof=private department org"`
	DepartmentID string   `json:"department_id" validate:"omitempty,uuid4"`
	ACL          []string `json:"acl" validate:"omitempty,dive,uuid4"`
	Tags         []string `json:"tags" validate:"omitempty,dive,max=64"`
}

type updateDocumentRequest struct {
	Title        *string  `json:"title" validate:"omitempty,min=2,max=512"`
	Summary      *string  `json:"summary" validate:"omitempty,max=2048"`
	Content      *string  `json:"content"`
	Visibility   *string  `json:"visibility" validate:"omitempty,oneof=private department org"`
	DepartmentID *string  `json:"department_id"`
	ACL          []string `json:"acl" validate:"omitempty,dive,uuid4"`
	Tags         []string `json:"tags" validate:"omitempty,dive,max=64"`
}

type searchDocumentsRequest struct {
	Query string `json:"query" validate:"required,min=2,max=1024"`
}

func (h *DocumentHandler) actor(c *gin.Context, orgID string) (knowledge.Actor, bool) {
	actor, err := h.resolver.ResolveActor(requestContext(c), c.GetString(middleware.CtxUserIDKey), orgID)
	if err != nil {
		response.Error(c, err)
		return knowledge.Actor{}, false
	}
	return actor, true
}

// GET /api/documents
func (h *DocumentHandler) List(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c, orgID)
	if !ok {
		return
	}

	opts := knowledge.ListOptions{
		Page:       parseIntQuery(c, "page", 1),
		PageSize:   parseIntQuery(c, "per_page", 50),
		SourceType: strings.TrimSpace(c.Query("source_type")),
		Status:     strings.TrimSpace(c.Query("status")),
		Tag:        strings.TrimSpace(c.Query("tag")),
		Search:     strings.TrimSpace(c.Query("search")),
	}

	ctx := requestContext(c)
	docs, total, err := h.svc.List(ctx, orgID, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, h.resolver.FilterReadable(ctx, actor, docs), &response.Meta{
		Page:    opts.Page,
		PerPage: opts.PageSize,
		Total:   int(total),
	})
}

// GET /api/documents/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c, orgID)
	if !ok {
		return
	}

	ctx := requestContext(c)
	doc, err := h.svc.Get(ctx, orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if !h.resolver.CanRead(ctx, actor, doc) {
		response.Error(c, apperrors.ErrNotFound)
		return
	}
	response.Success(c, http.StatusOK, doc)
}

// POST /api/documents
func (h *DocumentHandler) Ingest(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body ingestDocumentRequest
	if !bindAndValidate(c, &body) {
		return
	}

	doc, err := h.svc.Ingest(requestContext(c), knowledge.IngestInput{
		OrganizationID: orgID,
		Title:          strings.TrimSpace(body.Title),
		SourceType:     body.SourceType,
		SourceRef:      strings.TrimSpace(body.SourceRef),
		MimeType:       strings.TrimSpace(body.MimeType),
		Content:        body.Content,
		Summary:        body.Summary,
		OwnerUserID:    c.GetString(middleware.CtxUserIDKey),
		Visibility:     body.Visibility,
		DepartmentID:   strings.TrimSpace(body.DepartmentID),
		ACL:            body.ACL,
		Tags:           body.Tags,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, doc)
}

// PATCH /api/documents/:id
func (h *DocumentHandler) Update(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c, orgID)
	if !ok {
		return
	}

	var body updateDocumentRequest
	if !bindAndValidate(c, &body) {
		return
	}

	ctx := requestContext(c)
	doc, err := h.svc.Get(ctx, orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if !h.resolver.CanRead(ctx, actor, doc) {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	updated, err := h.svc.Update(ctx, orgID, doc.ID, knowledge.UpdateInput{
		Title:        body.Title,
		Summary:      body.Summary,
		Content:      body.Content,
		Visibility:   body.Visibility,
		DepartmentID: body.DepartmentID,
		ACL:          body.ACL,
		Tags:         body.Tags,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, updated)
}

// DELETE /api/documents/:id
func (h *DocumentHandler) Delete(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c, orgID)
	if !ok {
		return
	}

	ctx := requestContext(c)
	doc, err := h.svc.Get(ctx, orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if !h.resolver.CanRead(ctx, actor, doc) {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	if err := h.svc.Remove(ctx, orgID, doc.ID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// POST /api/documents/:id/reindex re-chunks and re-embeds the document.
func (h *DocumentHandler) Reindex(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c, orgID)
	if !ok {
		return
	}

	ctx := requestContext(c)
	doc, err := h.svc.Get(ctx, orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if !h.resolver.CanRead(ctx, actor, doc) {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	reindexed, err := h.svc.Reindex(ctx, orgID, doc.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, reindexed)
}

// GET /api/documents/:id/chunks
func (h *DocumentHandler) Chunks(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c, orgID)
	if !ok {
		return
	}

	ctx := requestContext(c)
	doc, err := h.svc.Get(ctx, orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if !h.resolver.CanRead(ctx, actor, doc) {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	chunks, err := h.svc.Chunks(ctx, orgID, doc.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, chunks)
}

// POST /api/documents/search ranks readable chunks against the query. The
// same pipeline feeds the assistant, so search results and citations agree.
func (h *DocumentHandler) Search(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c, orgID)
	if !ok {
		return
	}

	var body searchDocumentsRequest
	if !bindAndValidate(c, &body) {
		return
	}

	snippets, err := h.retriever.Retrieve(requestContext(c), actor, body.Query)
	if err != nil {
		response.Error(c, err)
		return
	}
	if snippets == nil {
		snippets = []assist.Snippet{}
	}
	response.Success(c, http.StatusOK, gin.H{
		"query":   body.Query,
		"results": snippets,
	})
}
