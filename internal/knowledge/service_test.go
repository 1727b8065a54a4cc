package knowledge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvalhq/corval/internal/models"
)

// stubEmbedder returns deterministic vectors and can fail its first calls.
type stubEmbedder struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (e *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failures {
		return nil, errors.New("embedder offline")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), float32(len(strings.Fields(text)))}
	}
	return out, nil
}

func (e *stubEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func twoParagraphs() string {
	first := strings.Join(numberedWords(30), " ")
	second := strings.Join(numberedWords(30), " ")
	return first + "\n\n" + second
}

func TestKnowledgeServiceIngestIndexesDocument(t *testing.T) {
	db, org := openKnowledgeTestDB(t)
	owner := newKnowledgeTestUser(t, db, org.ID, "author")
	ctx := context.Background()

	svc, err := NewService(db, &stubEmbedder{}, nil, Config{ChunkTokens: 40, ChunkOverlap: 5})
	require.NoError(t, err)

	doc, err := svc.Ingest(ctx, IngestInput{
		OrganizationID: org.ID,
		Title:          "  Onboarding Guide  ",
		Content:        twoParagraphs(),
		OwnerUserID:    owner.ID,
		Visibility:     "org",
		Tags:           []string{"hr", "hr", "  "},
	})
	require.NoError(t, err)
	require.Equal(t, "Onboarding Guide", doc.Title)
	require.Equal(t, models.SourceUpload, doc.SourceType)
	require.Equal(t, models.DocumentStatusIndexed, doc.Status)
	require.NotNil(t, doc.IndexedAt)
	require.Len(t, doc.ContentHash, 64)
	require.Equal(t, 2, doc.ChunkCount)

	chunks, err := svc.Chunks(ctx, org.ID, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for i, chunk := range chunks {
		require.Equal(t, i, chunk.Seq)
		require.NotEmpty(t, chunk.Embedding)
		require.Len(t, chunk.Checksum, 64)
		require.Greater(t, chunk.TokenCount, 0)
	}

	reloaded, err := svc.Get(ctx, org.ID, doc.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"hr"}, decodeStringList(reloaded.Tags))

	cases := []IngestInput{
		{Title: "t", Content: "c", OwnerUserID: owner.ID},
		{OrganizationID: org.ID, Content: "c", OwnerUserID: owner.ID},
		{OrganizationID: org.ID, Title: "t", Content: "   ", OwnerUserID: owner.ID},
		{OrganizationID: org.ID, Title: "t", Content: "c"},
		{OrganizationID: org.ID, Title: "t", Content: "c", OwnerUserID: owner.ID, SourceType: "emails"},
	}
	for _, input := range cases {
		_, err := svc.Ingest(ctx, input)
		require.Error(t, err)
	}

	_, err = svc.Chunks(ctx, "missing-org", doc.ID)
	require.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestKnowledgeServiceEmbedFailureLeavesNoPartialChunks(t *testing.T) {
	db, org := openKnowledgeTestDB(t)
	owner := newKnowledgeTestUser(t, db, org.ID, "author")
	ctx := context.Background()

	broken := &stubEmbedder{failures: 1 << 30}
	svc, err := NewService(db, broken, nil, Config{
		ChunkTokens: 40, ChunkOverlap: 5, EmbedConcurrency: 1, EmbedAttempts: 2,
	})
	require.NoError(t, err)

	doc, err := svc.Ingest(ctx, IngestInput{
		OrganizationID: org.ID,
		Title:          "Doomed",
		Content:        twoParagraphs(),
		OwnerUserID:    owner.ID,
	})
	require.Error(t, err)
	require.Equal(t, models.DocumentStatusFailed, doc.Status)
	require.Contains(t, doc.IndexError, "embedder offline")
	require.Zero(t, doc.ChunkCount)

	var orphanCount int64
	require.NoError(t, db.Model(&models.DocumentChunk{}).
		Where("document_id = ?", doc.ID).
		Count(&orphanCount).Error)
	require.Zero(t, orphanCount)

	broken.failures = 0
	recovered, err := svc.Reindex(ctx, org.ID, doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.DocumentStatusIndexed, recovered.Status)
	require.Empty(t, recovered.IndexError)
	require.Equal(t, 2, recovered.ChunkCount)
}

func TestKnowledgeServiceRetriesTransientEmbedErrors(t *testing.T) {
	db, org := openKnowledgeTestDB(t)
	owner := newKnowledgeTestUser(t, db, org.ID, "author")
	ctx := context.Background()

	flaky := &stubEmbedder{failures: 1}
	svc, err := NewService(db, flaky, nil, Config{
		ChunkTokens: 40, ChunkOverlap: 5, EmbedConcurrency: 1, EmbedAttempts: 3,
	})
	require.NoError(t, err)

	doc, err := svc.Ingest(ctx, IngestInput{
		OrganizationID: org.ID,
		Title:          "Flaky",
		Content:        twoParagraphs(),
		OwnerUserID:    owner.ID,
	})
	require.NoError(t, err)
	require.Equal(t, models.DocumentStatusIndexed, doc.Status)
	require.Equal(t, 3, flaky.callCount())
}

func TestKnowledgeServiceIndexesWithoutEmbedder(t *testing.T) {
	db, org := openKnowledgeTestDB(t)
	owner := newKnowledgeTestUser(t, db, org.ID, "author")
	ctx := context.Background()

	svc, err := NewService(db, nil, nil, Config{})
	require.NoError(t, err)

	doc, err := svc.Ingest(ctx, IngestInput{
		OrganizationID: org.ID,
		Title:          "Plain",
		Content:        "keyword retrieval still works without vectors",
		OwnerUserID:    owner.ID,
	})
	require.NoError(t, err)
	require.Equal(t, models.DocumentStatusIndexed, doc.Status)

	chunks, err := svc.Chunks(ctx, org.ID, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Empty(t, chunks[0].Embedding)
}

func TestKnowledgeServiceListFilters(t *testing.T) {
	db, org := openKnowledgeTestDB(t)
	owner := newKnowledgeTestUser(t, db, org.ID, "author")
	ctx := context.Background()

	other := &models.Organization{Name: "Globex", Slug: "globex"}
	require.NoError(t, db.Create(other).Error)
	otherOwner := newKnowledgeTestUser(t, db, other.ID, "rival")

	svc, err := NewService(db, nil, nil, Config{})
	require.NoError(t, err)

	ingest := func(orgID, ownerID, title, sourceType, content string, tags []string) {
		t.Helper()
		_, err := svc.Ingest(ctx, IngestInput{
			OrganizationID: orgID,
			Title:          title,
			SourceType:     sourceType,
			Content:        content,
			OwnerUserID:    ownerID,
			Tags:           tags,
		})
		require.NoError(t, err)
	}

	ingest(org.ID, owner.ID, "Sales Playbook", "upload", "enterprise pipeline stages", []string{"crm"})
	ingest(org.ID, owner.ID, "Invoice INV-7", "invoice", "invoice seven was issued", []string{"billing"})
	ingest(org.ID, owner.ID, "Ops Handbook", "note", "deploy the kubernetes cluster", []string{"eng"})
	ingest(other.ID, otherOwner.ID, "Rival Notes", "note", "keep this private", nil)

	docs, total, err := svc.List(ctx, org.ID, ListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, docs, 3)

	docs, total, err = svc.List(ctx, org.ID, ListOptions{SourceType: "invoice"})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "Invoice INV-7", docs[0].Title)

	docs, _, err = svc.List(ctx, org.ID, ListOptions{Tag: "crm"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "Sales Playbook", docs[0].Title)

	docs, _, err = svc.List(ctx, org.ID, ListOptions{Search: "KUBERNETES"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "Ops Handbook", docs[0].Title)

	docs, _, err = svc.List(ctx, org.ID, ListOptions{Search: "playbook"})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	docs, total, err = svc.List(ctx, org.ID, ListOptions{Status: "indexed", PageSize: 2})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, docs, 2)

	docs, total, err = svc.List(ctx, other.ID, ListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "Rival Notes", docs[0].Title)

	_, _, err = svc.List(ctx, "", ListOptions{})
	require.Error(t, err)
}

func TestKnowledgeServiceUpdateReindexesContent(t *testing.T) {
	db, org := openKnowledgeTestDB(t)
	owner := newKnowledgeTestUser(t, db, org.ID, "author")
	ctx := context.Background()

	svc, err := NewService(db, &stubEmbedder{}, nil, Config{ChunkTokens: 40, ChunkOverlap: 5})
	require.NoError(t, err)

	doc, err := svc.Ingest(ctx, IngestInput{
		OrganizationID: org.ID,
		Title:          "Runbook",
		Content:        "restart the ingest worker before rotating credentials",
		OwnerUserID:    owner.ID,
	})
	require.NoError(t, err)
	require.Equal(t, 1, doc.ChunkCount)
	originalHash := doc.ContentHash

	title := "Incident Runbook"
	summary := "how to restart ingestion"
	updated, err := svc.Update(ctx, org.ID, doc.ID, UpdateInput{Title: &title, Summary: &summary})
	require.NoError(t, err)
	require.Equal(t, "Incident Runbook", updated.Title)
	require.Equal(t, summary, updated.Summary)
	require.Equal(t, originalHash, updated.ContentHash)
	require.Equal(t, 1, updated.ChunkCount)

	longer := twoParagraphs()
	updated, err = svc.Update(ctx, org.ID, doc.ID, UpdateInput{Content: &longer})
	require.NoError(t, err)
	require.Equal(t, models.DocumentStatusIndexed, updated.Status)
	require.NotEqual(t, originalHash, updated.ContentHash)
	require.Equal(t, 2, updated.ChunkCount)

	blank := "   "
	_, err = svc.Update(ctx, org.ID, doc.ID, UpdateInput{Content: &blank})
	require.Error(t, err)

	department := "department"
	_, err = svc.Update(ctx, org.ID, doc.ID, UpdateInput{Visibility: &department})
	require.Error(t, err)

	sales := &models.Department{OrganizationID: org.ID, Name: "Sales"}
	require.NoError(t, db.Create(sales).Error)
	updated, err = svc.Update(ctx, org.ID, doc.ID, UpdateInput{
		Visibility: &department, DepartmentID: &sales.ID,
	})
	require.NoError(t, err)
	require.Equal(t, models.VisibilityDepartment, updated.Visibility)
	require.NotNil(t, updated.DepartmentID)
	require.Equal(t, sales.ID, *updated.DepartmentID)

	orgWide := "org"
	updated, err = svc.Update(ctx, org.ID, doc.ID, UpdateInput{Visibility: &orgWide})
	require.NoError(t, err)
	require.Equal(t, models.VisibilityOrg, updated.Visibility)
	require.Nil(t, updated.DepartmentID)

	invalid := "public"
	_, err = svc.Update(ctx, org.ID, doc.ID, UpdateInput{Visibility: &invalid})
	require.Error(t, err)

	_, err = svc.Update(ctx, "missing-org", doc.ID, UpdateInput{Title: &title})
	require.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestKnowledgeServiceUpsertSourceDocument(t *testing.T) {
	db, org := openKnowledgeTestDB(t)
	owner := newKnowledgeTestUser(t, db, org.ID, "author")
	ctx := context.Background()

	svc, err := NewService(db, nil, nil, Config{})
	require.NoError(t, err)

	first, err := svc.UpsertSourceDocument(ctx, IngestInput{
		OrganizationID: org.ID,
		Title:          "Customer note: Initech",
		SourceType:     "crm",
		SourceRef:      "cust-42",
		Content:        "Customer prefers quarterly billing.",
		OwnerUserID:    owner.ID,
		Visibility:     "org",
	})
	require.NoError(t, err)
	require.Equal(t, models.DocumentStatusIndexed, first.Status)

	same, err := svc.UpsertSourceDocument(ctx, IngestInput{
		OrganizationID: org.ID,
		Title:          "Customer note: Initech",
		SourceType:     "crm",
		SourceRef:      "cust-42",
		Content:        "Customer prefers quarterly billing.",
		OwnerUserID:    owner.ID,
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, same.ID)
	require.Equal(t, first.ContentHash, same.ContentHash)

	changed, err := svc.UpsertSourceDocument(ctx, IngestInput{
		OrganizationID: org.ID,
		Title:          "Customer note: Initech",
		SourceType:     "crm",
		SourceRef:      "cust-42",
		Content:        "Customer switched to annual billing.",
		OwnerUserID:    owner.ID,
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, changed.ID)
	require.NotEqual(t, first.ContentHash, changed.ContentHash)
	require.Contains(t, changed.Content, "annual")

	var count int64
	require.NoError(t, db.Model(&models.Document{}).
		Where("organization_id = ?", org.ID).
		Count(&count).Error)
	require.EqualValues(t, 1, count)

	_, err = svc.UpsertSourceDocument(ctx, IngestInput{
		OrganizationID: org.ID,
		Title:          "No ref",
		SourceType:     "crm",
		Content:        "x",
		OwnerUserID:    owner.ID,
	})
	require.Error(t, err)

	require.NoError(t, svc.Remove(ctx, org.ID, first.ID))
	_, err = svc.Get(ctx, org.ID, first.ID)
	require.ErrorIs(t, err, ErrDocumentNotFound)

	var chunkCount int64
	require.NoError(t, db.Model(&models.DocumentChunk{}).
		Where("document_id = ?", first.ID).
		Count(&chunkCount).Error)
	require.Zero(t, chunkCount)

	require.ErrorIs(t, svc.Remove(ctx, org.ID, first.ID), ErrDocumentNotFound)
}
