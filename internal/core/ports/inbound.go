package ports

import (
	"context"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// Retriever is the single inbound contract of the engine: one query in,
// one ranked deduplicated result out.
type Retriever interface {
	Retrieve(ctx context.Context, query domain.Query) (*domain.RetrievalResult, error)
}

// CacheInvalidator is called by the ingestion collaborator after documents
// are added, updated or removed. The engine never invalidates on its own.
type CacheInvalidator interface {
	InvalidateDomain(ctx context.Context, domain string) error
	InvalidateAgent(ctx context.Context, agentID string) error
}
