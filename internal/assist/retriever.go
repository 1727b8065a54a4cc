package assist

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/knowledge"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/pkg/logger"
	"github.com/corvalhq/corval/pkg/metrics"
)

// RetrieverConfig bounds the retrieval pipeline.
type RetrieverConfig struct {
	// TopK is the number of snippets handed to the model.
	TopK int
	// MinScore drops chunks whose similarity falls below it.
	MinScore float64
	// CandidateLimit caps how many documents are considered per query.
	CandidateLimit int
}

func (c RetrieverConfig) withDefaults() RetrieverConfig {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.25
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 200
	}
	return c
}

// Retriever selects the knowledge chunks most relevant to a query. Access
// control runs before ranking, so an actor can never surface content from a
// document they cannot open.
type Retriever struct {
	db       *gorm.DB
	embedder knowledge.Embedder
	resolver *knowledge.Resolver
	cfg      RetrieverConfig
	log      *zap.Logger
}

// NewRetriever builds a Retriever. A nil embedder degrades retrieval to
// keyword matching.
func NewRetriever(db *gorm.DB, embedder knowledge.Embedder, resolver *knowledge.Resolver, cfg RetrieverConfig) (*Retriever, error) {
	if db == nil {
		return nil, errors.New("assist retriever: database is required")
	}
	if resolver == nil {
		return nil, errors.New("assist retriever: access resolver is required")
	}
	return &Retriever{
		db:       db,
		embedder: embedder,
		resolver: resolver,
		cfg:      cfg.withDefaults(),
		log:      logger.WithModule("assist.retriever"),
	}, nil
}

// Retrieve returns the top snippets the actor is allowed to read, ranked by
// similarity to the query.
func (r *Retriever) Retrieve(ctx context.Context, actor knowledge.Actor, query string) ([]Snippet, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	var candidates []models.Document
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND status = ?", actor.OrganizationID, models.DocumentStatusIndexed).
		Order("updated_at DESC").
		Limit(r.cfg.CandidateLimit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	readable := r.resolver.FilterReadable(ctx, actor, candidates)
	metrics.RetrievalChunks.WithLabelValues("documents").Observe(float64(len(readable)))
	if len(readable) == 0 {
		return nil, nil
	}

	titles := make(map[string]string, len(readable))
	ids := make([]string, 0, len(readable))
	for _, doc := range readable {
		titles[doc.ID] = doc.Title
		ids = append(ids, doc.ID)
	}

	var chunks []models.DocumentChunk
	err = r.db.WithContext(ctx).
		Where("document_id IN ?", ids).
		Order("document_id, seq").
		Find(&chunks).Error
	if err != nil {
		return nil, err
	}
	metrics.RetrievalChunks.WithLabelValues("chunks").Observe(float64(len(chunks)))
	if len(chunks) == 0 {
		return nil, nil
	}

	scored := r.rankByVector(ctx, query, chunks)
	if scored == nil {
		scored = rankByKeywords(query, chunks)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > r.cfg.TopK {
		scored = scored[:r.cfg.TopK]
	}

	snippets := make([]Snippet, 0, len(scored))
	for _, sc := range scored {
		snippets = append(snippets, Snippet{
			DocumentID: sc.chunk.DocumentID,
			Title:      titles[sc.chunk.DocumentID],
			ChunkSeq:   sc.chunk.Seq,
			Content:    sc.chunk.Content,
			Score:      sc.score,
		})
	}
	metrics.RetrievalChunks.WithLabelValues("selected").Observe(float64(len(snippets)))
	return snippets, nil
}

type scoredChunk struct {
	chunk models.DocumentChunk
	score float64
}

// rankByVector scores chunks by cosine similarity against the embedded
// query. It returns nil when vector search is not possible so the caller
// can fall back to keywords.
func (r *Retriever) rankByVector(ctx context.Context, query string, chunks []models.DocumentChunk) []scoredChunk {
	if r.embedder == nil {
		return nil
	}

	queryVec, err := r.embedQuery(ctx, query)
	if err != nil {
		r.log.Warn("query embedding failed, falling back to keyword search", zap.Error(err))
		return nil
	}

	scored := make([]scoredChunk, 0, len(chunks))
	embedded := false
	for _, chunk := range chunks {
		vec, ok := decodeVector(chunk.Embedding)
		if !ok {
			continue
		}
		embedded = true
		score := cosineSimilarity(queryVec, vec)
		if score < r.cfg.MinScore {
			continue
		}
		scored = append(scored, scoredChunk{chunk: chunk, score: score})
	}
	if !embedded {
		return nil
	}
	return scored
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if qe, ok := r.embedder.(QueryEmbedder); ok {
		return qe.EmbedQuery(ctx, query)
	}
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, errors.New("assist retriever: embedder returned no query vector")
	}
	return vectors[0], nil
}

// rankByKeywords scores a chunk by the fraction of distinct query words it
// contains. Zero-score chunks are dropped.
func rankByKeywords(query string, chunks []models.DocumentChunk) []scoredChunk {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(query)) {
		words[w] = struct{}{}
	}
	if len(words) == 0 {
		return nil
	}

	scored := make([]scoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		content := strings.ToLower(chunk.Content)
		matched := 0
		for w := range words {
			if strings.Contains(content, w) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		scored = append(scored, scoredChunk{
			chunk: chunk,
			score: float64(matched) / float64(len(words)),
		})
	}
	return scored
}

func decodeVector(raw []byte) ([]float32, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil || len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

// cosineSimilarity returns similarity in [-1, 1], or 0 when the vectors
// disagree on dimensions or either has zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
