package ports

import (
	"context"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// Embedder turns query text into a vector, selecting a model appropriate
// for the domain hint. Implementations cache embeddings of identical text.
type Embedder interface {
	EmbedQuery(ctx context.Context, text, domainHint string) ([]float32, error)
}

// VectorFilter is the structured predicate passed to the vector index.
// Domains is set-membership over the chunk's domain payload field.
type VectorFilter struct {
	Domains []string
}

// VectorIndex performs top-K similarity search against the vector index.
// Implementations degrade to an empty result while their circuit is open.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, topK int, minScore float64, filter VectorFilter) ([]domain.Passage, error)
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error
}

// MetadataStore is the relational lookup used to enrich and filter vector
// hits, and to serve pure keyword search.
type MetadataStore interface {
	ChunkMeta(ctx context.Context, chunkIDs []string) (map[string]domain.ChunkMeta, error)
	FullTextSearch(ctx context.Context, text string, domains []string, limit int) ([]domain.Passage, error)
}

// EntityGraph resolves entity names to related chunk ids for the
// entity-aware strategy. Failures degrade to no boost.
type EntityGraph interface {
	RelatedChunkIDs(ctx context.Context, entities []string, limit int) ([]string, error)
}

// ResultCache is a distributed key-value store with TTL semantics. Read
// errors are cache misses; write errors are logged and dropped.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// RetrievalCache is the two-tier result cache consulted by the coordinator:
// exact lookup by normalized query key, then semantic lookup by embedding
// similarity against recently cached queries. Store is best-effort.
type RetrievalCache interface {
	GetExact(ctx context.Context, q domain.Query) (*domain.RetrievalResult, bool)
	GetSemantic(ctx context.Context, q domain.Query, embedding []float32) (*domain.RetrievalResult, float64, bool)
	Store(ctx context.Context, q domain.Query, embedding []float32, result *domain.RetrievalResult)
}
