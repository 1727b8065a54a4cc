package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/logger"
	"github.com/corvalhq/corval/pkg/metrics"
)

// ErrDocumentNotFound indicates the requested document does not exist in the organization.
var ErrDocumentNotFound = apperrors.New("DOCUMENT_NOT_FOUND", "Document not found", http.StatusNotFound)

// Embedder turns texts into vectors. The assist providers satisfy it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes the ingestion pipeline.
type Config struct {
	ChunkTokens      int
	ChunkOverlap     int
	EmbedConcurrency int
	EmbedAttempts    int
}

func (c Config) withDefaults() Config {
	if c.ChunkTokens <= 0 {
		c.ChunkTokens = DefaultChunkTokens
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = DefaultChunkOverlap
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = 4
	}
	if c.EmbedAttempts <= 0 {
		c.EmbedAttempts = 3
	}
	return c
}

// IngestInput captures a new knowledge document.
type IngestInput struct {
	OrganizationID string
	Title          string
	SourceType     string
	SourceRef      string
	MimeType       string
	Content        string
	Summary        string
	OwnerUserID    string
	Visibility     string
	DepartmentID   string
	ACL            []string
	Tags           []string
}

// UpdateInput describes mutable document fields. A new Content value
// triggers a reindex.
type UpdateInput struct {
	Title        *string
	Summary      *string
	Content      *string
	Visibility   *string
	DepartmentID *string
	ACL          []string
	Tags         []string
}

// ListOptions controls filtering and pagination for document queries.
type ListOptions struct {
	Page       int
	PageSize   int
	SourceType string
	Status     string
	Tag        string
	Search     string
}

// Service owns the document store and the chunk index. Ingestion chunks,
// embeds, and persists atomically: a document is either fully indexed or
// carries no chunks at all.
type Service struct {
	db       *gorm.DB
	embedder Embedder
	bus      *events.Bus
	cfg      Config
	log      *zap.Logger
}

// NewService constructs a knowledge Service. A nil embedder indexes chunks
// without vectors, leaving retrieval to the keyword fallback.
func NewService(db *gorm.DB, embedder Embedder, bus *events.Bus, cfg Config) (*Service, error) {
	if db == nil {
		return nil, errors.New("knowledge service: db is required")
	}
	return &Service{
		db:       db,
		embedder: embedder,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		log:      logger.WithModule("knowledge"),
	}, nil
}

// Ingest persists the document and runs the indexing pipeline.
func (s *Service) Ingest(ctx context.Context, input IngestInput) (*models.Document, error) {
	ctx = ensureContext(ctx)

	doc, err := s.buildDocument(input)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, fmt.Errorf("knowledge service: create document: %w", err)
	}

	s.publish(events.DocumentUploaded, doc)

	if err := s.index(ctx, doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// Reindex rebuilds the chunk index from the stored content.
func (s *Service) Reindex(ctx context.Context, organizationID, id string) (*models.Document, error) {
	ctx = ensureContext(ctx)

	doc, err := s.Get(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}
	if err := s.index(ctx, doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// Remove deletes the document and its chunks.
func (s *Service) Remove(ctx context.Context, organizationID, id string) error {
	ctx = ensureContext(ctx)

	doc, err := s.Get(ctx, organizationID, id)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&models.DocumentChunk{}).Error; err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		return tx.Delete(doc).Error
	})
	if err != nil {
		return fmt.Errorf("knowledge service: remove document: %w", err)
	}
	return nil
}

// Get loads a document scoped to the organization.
func (s *Service) Get(ctx context.Context, organizationID, id string) (*models.Document, error) {
	ctx = ensureContext(ctx)

	var doc models.Document
	err := s.db.WithContext(ctx).
		First(&doc, "id = ? AND organization_id = ?", id, organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge service: get document: %w", err)
	}
	return &doc, nil
}

// List returns documents with filters and pagination. Search matches title
// and content substrings.
func (s *Service) List(ctx context.Context, organizationID string, opts ListOptions) ([]models.Document, int64, error) {
	ctx = ensureContext(ctx)

	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, 0, apperrors.NewBadRequest("organization id is required")
	}

	page, perPage := clampPage(opts.Page, opts.PageSize)

	query := s.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("organization_id = ?", organizationID)

	if sourceType := strings.TrimSpace(opts.SourceType); sourceType != "" {
		query = query.Where("source_type = ?", sourceType)
	}
	if status := strings.TrimSpace(opts.Status); status != "" {
		query = query.Where("status = ?", status)
	}
	if tag := strings.TrimSpace(opts.Tag); tag != "" {
		query = query.Where("tags LIKE ?", "%\""+tag+"\"%")
	}
	if search := strings.TrimSpace(opts.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(content) LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("knowledge service: count documents: %w", err)
	}

	var docs []models.Document
	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&docs).Error; err != nil {
		return nil, 0, fmt.Errorf("knowledge service: list documents: %w", err)
	}

	return docs, total, nil
}

// Update modifies document metadata, reindexing when the content changes.
func (s *Service) Update(ctx context.Context, organizationID, id string, input UpdateInput) (*models.Document, error) {
	ctx = ensureContext(ctx)

	doc, err := s.Get(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	reindex := false

	if input.Title != nil {
		if title := strings.TrimSpace(*input.Title); title != "" {
			updates["title"] = title
		}
	}
	if input.Summary != nil {
		updates["summary"] = strings.TrimSpace(*input.Summary)
	}
	if input.Content != nil {
		content := *input.Content
		if strings.TrimSpace(content) == "" {
			return nil, apperrors.NewBadRequest("document content cannot be empty")
		}
		updates["content"] = content
		updates["content_hash"] = checksum(content)
		updates["status"] = models.DocumentStatusPending
		reindex = true
	}
	if input.Visibility != nil {
		visibility := models.DocumentVisibility(strings.TrimSpace(*input.Visibility))
		switch visibility {
		case models.VisibilityPrivate, models.VisibilityDepartment, models.VisibilityOrg:
			updates["visibility"] = visibility
		default:
			return nil, apperrors.NewBadRequest("invalid document visibility")
		}
		if visibility == models.VisibilityDepartment {
			dept := ""
			if input.DepartmentID != nil {
				dept = strings.TrimSpace(*input.DepartmentID)
			} else if doc.DepartmentID != nil {
				dept = *doc.DepartmentID
			}
			if dept == "" {
				return nil, apperrors.NewBadRequest("department visibility requires a department")
			}
			updates["department_id"] = dept
		} else {
			updates["department_id"] = nil
		}
	}
	if input.ACL != nil {
		acl, err := encodeStringList(input.ACL)
		if err != nil {
			return nil, fmt.Errorf("knowledge service: encode acl: %w", err)
		}
		updates["acl"] = acl
	}
	if input.Tags != nil {
		tags, err := encodeStringList(input.Tags)
		if err != nil {
			return nil, fmt.Errorf("knowledge service: encode tags: %w", err)
		}
		updates["tags"] = tags
	}

	if len(updates) == 0 {
		return doc, nil
	}

	if err := s.db.WithContext(ctx).Model(doc).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("knowledge service: update document: %w", err)
	}

	doc, err = s.Get(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}
	if reindex {
		if err := s.index(ctx, doc); err != nil {
			return doc, err
		}
	}
	return doc, nil
}

// UpsertSourceDocument replaces the document recorded for a source entity,
// or ingests it the first time. The knowledge recorder uses it so repeated
// events keep one document per entity.
func (s *Service) UpsertSourceDocument(ctx context.Context, input IngestInput) (*models.Document, error) {
	ctx = ensureContext(ctx)

	sourceRef := strings.TrimSpace(input.SourceRef)
	if sourceRef == "" {
		return nil, apperrors.NewBadRequest("source ref is required")
	}

	var existing models.Document
	err := s.db.WithContext(ctx).
		First(&existing, "organization_id = ? AND source_type = ? AND source_ref = ?",
			strings.TrimSpace(input.OrganizationID), strings.TrimSpace(input.SourceType), sourceRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.Ingest(ctx, input)
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge service: find source document: %w", err)
	}

	if existing.ContentHash == checksum(input.Content) {
		return &existing, nil
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = existing.Title
	}
	return s.Update(ctx, existing.OrganizationID, existing.ID, UpdateInput{
		Title:   &title,
		Summary: &input.Summary,
		Content: &input.Content,
	})
}

// Chunks returns the stored index for a document in sequence order.
func (s *Service) Chunks(ctx context.Context, organizationID, documentID string) ([]models.DocumentChunk, error) {
	ctx = ensureContext(ctx)

	if _, err := s.Get(ctx, organizationID, documentID); err != nil {
		return nil, err
	}

	var chunks []models.DocumentChunk
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("seq ASC").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("knowledge service: load chunks: %w", err)
	}
	return chunks, nil
}

func (s *Service) buildDocument(input IngestInput) (*models.Document, error) {
	orgID := strings.TrimSpace(input.OrganizationID)
	if orgID == "" {
		return nil, apperrors.NewBadRequest("organization id is required")
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, apperrors.NewBadRequest("document title is required")
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, apperrors.NewBadRequest("document content cannot be empty")
	}
	owner := strings.TrimSpace(input.OwnerUserID)
	if owner == "" {
		return nil, apperrors.NewBadRequest("owner user id is required")
	}

	sourceType := models.DocumentSource(strings.TrimSpace(input.SourceType))
	if sourceType == "" {
		sourceType = models.SourceUpload
	}
	switch sourceType {
	case models.SourceUpload, models.SourceNote, models.SourceCRM,
		models.SourceInvoice, models.SourceProject, models.SourcePlugin:
	default:
		return nil, apperrors.NewBadRequest("invalid document source type")
	}

	doc := &models.Document{
		OrganizationID: orgID,
		Title:          strings.TrimSpace(input.Title),
		SourceType:     sourceType,
		SourceRef:      strings.TrimSpace(input.SourceRef),
		Content:        input.Content,
		Summary:        strings.TrimSpace(input.Summary),
		OwnerUserID:    owner,
		Visibility:     models.VisibilityPrivate,
		Status:         models.DocumentStatusPending,
		ContentHash:    checksum(input.Content),
	}
	if mime := strings.TrimSpace(input.MimeType); mime != "" {
		doc.MimeType = mime
	}
	if visibility := strings.TrimSpace(input.Visibility); visibility != "" {
		doc.Visibility = models.DocumentVisibility(visibility)
	}
	if dept := strings.TrimSpace(input.DepartmentID); dept != "" {
		doc.DepartmentID = &dept
	}

	var err error
	if doc.ACL, err = encodeStringList(input.ACL); err != nil {
		return nil, fmt.Errorf("knowledge service: encode acl: %w", err)
	}
	if doc.Tags, err = encodeStringList(input.Tags); err != nil {
		return nil, fmt.Errorf("knowledge service: encode tags: %w", err)
	}

	return doc, nil
}

// index runs chunking and embedding, then swaps the chunk set in one
// transaction. Failures mark the document failed and leave no partial
// chunks behind.
func (s *Service) index(ctx context.Context, doc *models.Document) error {
	chunks := SplitText(doc.Content, s.cfg.ChunkTokens, s.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return s.markFailed(ctx, doc, errors.New("no indexable content"))
	}

	records := make([]models.DocumentChunk, len(chunks))
	for i, chunk := range chunks {
		records[i] = models.DocumentChunk{
			DocumentID: doc.ID,
			Seq:        chunk.Seq,
			Content:    chunk.Content,
			TokenCount: chunk.TokenCount,
			Checksum:   checksum(chunk.Content),
		}
	}

	if s.embedder != nil {
		vectors, err := s.embedChunks(ctx, chunks)
		if err != nil {
			return s.markFailed(ctx, doc, err)
		}
		for i := range records {
			records[i].Embedding = vectors[i]
		}
	}

	indexedAt := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&models.DocumentChunk{}).Error; err != nil {
			return fmt.Errorf("replace chunks: %w", err)
		}
		if err := tx.CreateInBatches(records, 100).Error; err != nil {
			return fmt.Errorf("store chunks: %w", err)
		}
		return tx.Model(&models.Document{}).
			Where("id = ?", doc.ID).
			Updates(map[string]any{
				"status":      models.DocumentStatusIndexed,
				"indexed_at":  indexedAt,
				"chunk_count": len(records),
				"index_error": "",
			}).Error
	})
	if err != nil {
		return s.markFailed(ctx, doc, err)
	}

	doc.Status = models.DocumentStatusIndexed
	doc.IndexedAt = &indexedAt
	doc.ChunkCount = len(records)
	doc.IndexError = ""

	metrics.DocumentsIndexed.WithLabelValues("indexed").Inc()
	s.publish(events.DocumentIndexed, doc)
	return nil
}

// embedChunks fans the chunk texts out to the embedder with bounded
// concurrency and a few attempts per chunk.
func (s *Service) embedChunks(ctx context.Context, chunks []Chunk) ([]datatypes.JSON, error) {
	vectors := make([]datatypes.JSON, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EmbedConcurrency)

	for i := range chunks {
		i := i
		g.Go(func() error {
			var lastErr error
			for attempt := 0; attempt < s.cfg.EmbedAttempts; attempt++ {
				if attempt > 0 {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
					}
				}

				result, err := s.embedder.Embed(gctx, []string{chunks[i].Content})
				if err == nil && len(result) != 1 {
					err = fmt.Errorf("embedder returned %d vectors for one text", len(result))
				}
				if err != nil {
					lastErr = err
					continue
				}

				payload, err := json.Marshal(result[0])
				if err != nil {
					return fmt.Errorf("encode embedding: %w", err)
				}
				vectors[i] = payload
				return nil
			}
			return fmt.Errorf("embed chunk %d: %w", chunks[i].Seq, lastErr)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (s *Service) markFailed(ctx context.Context, doc *models.Document, cause error) error {
	reason := cause.Error()
	if len(reason) > 500 {
		reason = reason[:500]
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&models.DocumentChunk{}).Error; err != nil {
			return fmt.Errorf("drop partial chunks: %w", err)
		}
		return tx.Model(&models.Document{}).
			Where("id = ?", doc.ID).
			Updates(map[string]any{
				"status":      models.DocumentStatusFailed,
				"index_error": reason,
				"chunk_count": 0,
			}).Error
	})
	if err != nil {
		s.log.Error("failed to record indexing failure",
			zap.String("document_id", doc.ID),
			zap.Error(err))
	}

	doc.Status = models.DocumentStatusFailed
	doc.IndexError = reason
	doc.ChunkCount = 0

	metrics.DocumentsIndexed.WithLabelValues("failed").Inc()
	return fmt.Errorf("knowledge service: index document %s: %w", doc.ID, cause)
}

func (s *Service) publish(name string, doc *models.Document) {
	if s.bus == nil || doc == nil {
		return
	}
	s.bus.Publish(events.Event{
		Name:           name,
		OrganizationID: doc.OrganizationID,
		ActorID:        doc.OwnerUserID,
		Payload: map[string]any{
			"document_id": doc.ID,
			"title":       doc.Title,
			"source_type": string(doc.SourceType),
			"status":      string(doc.Status),
		},
	})
}

func checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func encodeStringList(values []string) (datatypes.JSON, error) {
	cleaned := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	if len(cleaned) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(cleaned)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return page, pageSize
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
