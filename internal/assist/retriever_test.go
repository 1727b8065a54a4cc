package assist

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/knowledge"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/policy"
)

// grantChecker answers permission checks from a fixed grant table.
type grantChecker map[string][]string

func (c grantChecker) Check(_ context.Context, userID, permissionID string) (bool, error) {
	for _, id := range c[userID] {
		if id == permissionID {
			return true, nil
		}
	}
	return false, nil
}

// topicEmbedder projects text onto fixed topic axes so cosine ranking is
// predictable: each axis counts occurrences of its keyword.
type topicEmbedder struct {
	topics []string
	fail   bool
}

func (e *topicEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.fail {
		return nil, errors.New("embedder offline")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *topicEmbedder) vector(text string) []float32 {
	lower := strings.ToLower(text)
	vec := make([]float32, len(e.topics))
	for i, topic := range e.topics {
		vec[i] = float32(strings.Count(lower, topic))
	}
	return vec
}

func openAssistTestDB(t *testing.T) (*gorm.DB, *models.Organization) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Organization{},
		&models.User{},
		&models.Department{},
		&models.Document{},
		&models.DocumentChunk{},
		&models.Conversation{},
		&models.ChatMessage{},
		&models.UsageRecord{},
		&models.AuditLog{},
	))

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	org := &models.Organization{Name: "Acme", Slug: "acme"}
	require.NoError(t, db.Create(org).Error)
	return db, org
}

func newAssistTestUser(t *testing.T, db *gorm.DB, orgID, name string) *models.User {
	t.Helper()
	user := &models.User{
		Username:       name + "-" + orgID[:8],
		Email:          name + "-" + orgID[:8] + "@corval.test",
		Password:       "hash",
		OrganizationID: &orgID,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func newTestResolver(t *testing.T, db *gorm.DB, grants grantChecker) *knowledge.Resolver {
	t.Helper()
	engine, err := policy.NewEngine()
	require.NoError(t, err)
	resolver, err := knowledge.NewResolver(db, engine, grants)
	require.NoError(t, err)
	return resolver
}

func TestRetrieverRanksOnlyReadableChunks(t *testing.T) {
	db, org := openAssistTestDB(t)
	ctx := context.Background()

	owner := newAssistTestUser(t, db, org.ID, "owner")
	colleague := newAssistTestUser(t, db, org.ID, "colleague")

	embedder := &topicEmbedder{topics: []string{"kubernetes", "invoice", "holiday"}}
	svc, err := knowledge.NewService(db, embedder, nil, knowledge.Config{})
	require.NoError(t, err)

	runbook, err := svc.Ingest(ctx, knowledge.IngestInput{
		OrganizationID: org.ID,
		OwnerUserID:    owner.ID,
		Title:          "Cluster Runbook",
		Content:        "The kubernetes cluster runbook covers kubernetes upgrades and kubernetes node pools.",
		Visibility:     models.VisibilityOrg,
	})
	require.NoError(t, err)

	_, err = svc.Ingest(ctx, knowledge.IngestInput{
		OrganizationID: org.ID,
		OwnerUserID:    owner.ID,
		Title:          "Billing Guide",
		Content:        "Invoice processing happens nightly. Every invoice is matched before payment.",
		Visibility:     models.VisibilityOrg,
	})
	require.NoError(t, err)

	recovery, err := svc.Ingest(ctx, knowledge.IngestInput{
		OrganizationID: org.ID,
		OwnerUserID:    owner.ID,
		Title:          "Disaster Recovery",
		Content:        "Kubernetes disaster recovery: kubernetes backups, kubernetes restores, kubernetes failover drills.",
		Visibility:     models.VisibilityPrivate,
	})
	require.NoError(t, err)

	// An unindexed document never surfaces, whatever its content says.
	draft, err := svc.Ingest(ctx, knowledge.IngestInput{
		OrganizationID: org.ID,
		OwnerUserID:    owner.ID,
		Title:          "Draft Runbook",
		Content:        "More kubernetes kubernetes kubernetes notes, not ready yet.",
		Visibility:     models.VisibilityOrg,
	})
	require.NoError(t, err)
	require.NoError(t, db.Model(draft).Update("status", models.DocumentStatusPending).Error)

	resolver := newTestResolver(t, db, grantChecker{
		owner.ID:     {"document.view"},
		colleague.ID: {"document.view"},
	})
	retriever, err := NewRetriever(db, embedder, resolver, RetrieverConfig{TopK: 3, MinScore: 0.2})
	require.NoError(t, err)

	colleagueActor, err := resolver.ResolveActor(ctx, colleague.ID, org.ID)
	require.NoError(t, err)

	// The private recovery doc would rank first, but the colleague cannot
	// read it, so it must be gone before scoring starts.
	snippets, err := retriever.Retrieve(ctx, colleagueActor, "kubernetes upgrade checklist")
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	require.Equal(t, runbook.ID, snippets[0].DocumentID)
	require.Equal(t, "Cluster Runbook", snippets[0].Title)
	require.Greater(t, snippets[0].Score, 0.9)

	ownerActor, err := resolver.ResolveActor(ctx, owner.ID, org.ID)
	require.NoError(t, err)

	snippets, err = retriever.Retrieve(ctx, ownerActor, "kubernetes upgrade checklist")
	require.NoError(t, err)
	require.Len(t, snippets, 2)
	ids := []string{snippets[0].DocumentID, snippets[1].DocumentID}
	require.ElementsMatch(t, []string{runbook.ID, recovery.ID}, ids)

	// Below-threshold chunks stay out even when capacity remains.
	snippets, err = retriever.Retrieve(ctx, colleagueActor, "holiday schedule")
	require.NoError(t, err)
	require.Empty(t, snippets)

	// No grants means no readable documents at all.
	strangerActor := knowledge.Actor{UserID: "nobody", OrganizationID: org.ID}
	snippets, err = retriever.Retrieve(ctx, strangerActor, "kubernetes")
	require.NoError(t, err)
	require.Empty(t, snippets)

	snippets, err = retriever.Retrieve(ctx, colleagueActor, "   ")
	require.NoError(t, err)
	require.Empty(t, snippets)
}

func TestRetrieverKeywordFallback(t *testing.T) {
	db, org := openAssistTestDB(t)
	ctx := context.Background()

	owner := newAssistTestUser(t, db, org.ID, "owner")

	// No embedder at ingest time leaves chunks without vectors.
	svc, err := knowledge.NewService(db, nil, nil, knowledge.Config{})
	require.NoError(t, err)

	payroll, err := svc.Ingest(ctx, knowledge.IngestInput{
		OrganizationID: org.ID,
		OwnerUserID:    owner.ID,
		Title:          "Payroll Calendar",
		Content:        "Payroll runs on the 25th. Submit invoice adjustments before payroll cutoff.",
		Visibility:     models.VisibilityOrg,
	})
	require.NoError(t, err)

	billing, err := svc.Ingest(ctx, knowledge.IngestInput{
		OrganizationID: org.ID,
		OwnerUserID:    owner.ID,
		Title:          "Billing Terms",
		Content:        "Invoice payment terms are net 30. Chase unpaid invoice payment reminders weekly.",
		Visibility:     models.VisibilityOrg,
	})
	require.NoError(t, err)

	resolver := newTestResolver(t, db, grantChecker{owner.ID: {"document.view"}})
	actor, err := resolver.ResolveActor(ctx, owner.ID, org.ID)
	require.NoError(t, err)

	retriever, err := NewRetriever(db, nil, resolver, RetrieverConfig{TopK: 5})
	require.NoError(t, err)

	snippets, err := retriever.Retrieve(ctx, actor, "invoice payment")
	require.NoError(t, err)
	require.Len(t, snippets, 2)
	require.Equal(t, billing.ID, snippets[0].DocumentID)
	require.InDelta(t, 1.0, snippets[0].Score, 0.001)
	require.Equal(t, payroll.ID, snippets[1].DocumentID)
	require.InDelta(t, 0.5, snippets[1].Score, 0.001)

	// A broken embedder degrades to the same keyword path.
	broken, err := NewRetriever(db, &topicEmbedder{fail: true}, resolver, RetrieverConfig{TopK: 5})
	require.NoError(t, err)

	snippets, err = broken.Retrieve(ctx, actor, "payroll cutoff")
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	require.Equal(t, payroll.ID, snippets[0].DocumentID)
}
