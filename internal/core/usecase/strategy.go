package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

// stageTimings accumulates per-stage latencies across concurrent branches.
type stageTimings struct {
	embeddingNS    atomic.Int64
	vectorSearchNS atomic.Int64
}

func (t *stageTimings) addEmbedding(d time.Duration)    { t.embeddingNS.Add(int64(d)) }
func (t *stageTimings) addVectorSearch(d time.Duration) { t.vectorSearchNS.Add(int64(d)) }

// retrievalStrategy is one retrieval algorithm. Fetch runs the strategy for
// a single knowledge domain ("" means unpartitioned) and returns candidate
// passages already filtered to the query's similarity floor.
type retrievalStrategy interface {
	Name() domain.Strategy
	Fetch(ctx context.Context, q domain.Query, searchDomain string, timings *stageTimings) ([]domain.Passage, error)
}

type strategyDeps struct {
	embedder ports.Embedder
	vector   ports.VectorIndex
	metadata ports.MetadataStore
	graph    ports.EntityGraph
	cfg      Config
}

// strategyFor maps the query strategy onto an implementation. The set is
// closed; anything unknown already resolved to hybrid in the domain layer.
func strategyFor(deps strategyDeps, s domain.Strategy) retrievalStrategy {
	switch s {
	case domain.StrategySemantic:
		return &semanticStrategy{deps: deps}
	case domain.StrategyKeyword:
		return &keywordStrategy{deps: deps}
	case domain.StrategyEntity:
		return &entityStrategy{deps: deps}
	case domain.StrategyAgent:
		return &agentStrategy{deps: deps}
	case domain.StrategyHybrid:
		return &hybridStrategy{deps: deps}
	default:
		return &hybridStrategy{deps: deps}
	}
}

// semanticStrategy: embed the query, search the vector index at the
// caller's threshold.
type semanticStrategy struct {
	deps strategyDeps
}

func (s *semanticStrategy) Name() domain.Strategy { return domain.StrategySemantic }

func (s *semanticStrategy) Fetch(ctx context.Context, q domain.Query, searchDomain string, timings *stageTimings) ([]domain.Passage, error) {
	vector, err := embedTimed(ctx, s.deps.embedder, q.Text, searchDomain, timings)
	if err != nil {
		return nil, fmt.Errorf("semantic embed: %w", err)
	}
	hits, err := searchTimed(ctx, s.deps.vector, vector, q.MaxResults, q.MinSimilarity, domainFilter(searchDomain), timings)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return filterByThreshold(hits, q.MinSimilarity), nil
}

// hybridStrategy casts a wider net at a lowered threshold, then enriches
// and filters candidates against the relational metadata store. Vector
// search and relational filters live in different systems with no shared
// transaction; the extra candidates compensate for post-filter loss.
type hybridStrategy struct {
	deps strategyDeps
}

func (s *hybridStrategy) Name() domain.Strategy { return domain.StrategyHybrid }

func (s *hybridStrategy) Fetch(ctx context.Context, q domain.Query, searchDomain string, timings *stageTimings) ([]domain.Passage, error) {
	return hybridFetch(ctx, s.deps, q, searchDomain, s.deps.cfg.HybridCandidateMultiplier, timings)
}

func hybridFetch(ctx context.Context, deps strategyDeps, q domain.Query, searchDomain string, multiplier int, timings *stageTimings) ([]domain.Passage, error) {
	vector, err := embedTimed(ctx, deps.embedder, q.Text, searchDomain, timings)
	if err != nil {
		return nil, fmt.Errorf("hybrid embed: %w", err)
	}

	if multiplier <= 0 {
		multiplier = 3
	}
	candidateScore := q.MinSimilarity - deps.cfg.HybridScoreDelta
	if candidateScore < deps.cfg.HybridScoreFloor {
		candidateScore = deps.cfg.HybridScoreFloor
	}

	candidates, err := searchTimed(ctx, deps.vector, vector, q.MaxResults*multiplier, candidateScore, domainFilter(searchDomain), timings)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	enriched, err := enrichCandidates(ctx, deps.metadata, candidates, searchDomain, q.IncludeMetadata)
	if err != nil {
		// Metadata outage must not kill the vector path: fall back to
		// unenriched candidates at the caller's real threshold.
		enriched = candidates
	}

	enriched = filterByThreshold(enriched, q.MinSimilarity)
	if len(enriched) > q.MaxResults {
		enriched = enriched[:q.MaxResults]
	}
	return enriched, nil
}

// enrichCandidates joins vector hits with relational metadata, dropping
// chunks that fail the domain or access-policy filters.
func enrichCandidates(ctx context.Context, store ports.MetadataStore, candidates []domain.Passage, searchDomain string, includeMetadata bool) ([]domain.Passage, error) {
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != "" {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return candidates, nil
	}

	metas, err := store.ChunkMeta(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("chunk metadata lookup: %w", err)
	}

	out := make([]domain.Passage, 0, len(candidates))
	for _, c := range candidates {
		meta, ok := metas[c.ID]
		if !ok {
			// Chunk known to the index but not the relational store: keep the
			// hit rather than hide indexed content behind a sync gap.
			out = append(out, c)
			continue
		}
		if meta.AccessPolicy != "" && meta.AccessPolicy != domain.AccessPolicyPublic {
			continue
		}
		if searchDomain != "" && meta.Domain != "" && meta.Domain != searchDomain {
			continue
		}

		if c.DocumentID == "" {
			c.DocumentID = meta.DocumentID
		}
		if meta.Domain != "" {
			c.Domain = meta.Domain
		}
		if includeMetadata {
			if meta.Title != "" {
				c.Title = meta.Title
			}
			if meta.URL != "" {
				c.URL = meta.URL
			}
			if meta.Section != "" {
				c.Section = meta.Section
			}
			if meta.PageNumber > 0 {
				c.PageNumber = meta.PageNumber
			}
			if len(meta.Tags) > 0 {
				if c.Extra == nil {
					c.Extra = map[string]any{}
				}
				c.Extra["tags"] = meta.Tags
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// keywordStrategy serves pure full-text search from the metadata store and
// never touches the embedding provider or the vector index.
type keywordStrategy struct {
	deps strategyDeps
}

func (s *keywordStrategy) Name() domain.Strategy { return domain.StrategyKeyword }

func (s *keywordStrategy) Fetch(ctx context.Context, q domain.Query, searchDomain string, _ *stageTimings) ([]domain.Passage, error) {
	var domains []string
	if searchDomain != "" {
		domains = []string{searchDomain}
	}
	hits, err := s.deps.metadata.FullTextSearch(ctx, q.Text, domains, q.MaxResults)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return filterByThreshold(hits, q.MinSimilarity), nil
}

// entityStrategy runs semantic retrieval and boosts passages whose chunk id
// the entity graph links to entities mentioned in the query. Graph outages
// degrade to plain semantic results.
type entityStrategy struct {
	deps strategyDeps
}

func (s *entityStrategy) Name() domain.Strategy { return domain.StrategyEntity }

func (s *entityStrategy) Fetch(ctx context.Context, q domain.Query, searchDomain string, timings *stageTimings) ([]domain.Passage, error) {
	hits, err := (&semanticStrategy{deps: s.deps}).Fetch(ctx, q, searchDomain, timings)
	if err != nil || len(hits) == 0 {
		return hits, err
	}

	entities := extractEntities(q.Text)
	if len(entities) == 0 || s.deps.graph == nil {
		return hits, nil
	}

	related, graphErr := s.deps.graph.RelatedChunkIDs(ctx, entities, q.MaxResults*3)
	if graphErr != nil || len(related) == 0 {
		return hits, nil
	}

	relatedSet := make(map[string]struct{}, len(related))
	for _, id := range related {
		relatedSet[id] = struct{}{}
	}
	for i := range hits {
		if _, ok := relatedSet[hits[i].ID]; ok {
			hits[i].Similarity *= s.deps.cfg.EntityBoostFactor
			if hits[i].Similarity > 1 {
				hits[i].Similarity = 1
			}
		}
	}
	return hits, nil
}

// extractEntities pulls naive entity candidates out of the query text:
// quoted phrases and capitalized terms that are not sentence-initial.
func extractEntities(text string) []string {
	var entities []string
	seen := map[string]struct{}{}
	add := func(e string) {
		e = strings.TrimSpace(e)
		if len(e) < 2 {
			return
		}
		if _, dup := seen[strings.ToLower(e)]; dup {
			return
		}
		seen[strings.ToLower(e)] = struct{}{}
		entities = append(entities, e)
	}

	for {
		start := strings.IndexByte(text, '"')
		if start < 0 {
			break
		}
		end := strings.IndexByte(text[start+1:], '"')
		if end < 0 {
			break
		}
		add(text[start+1 : start+1+end])
		text = text[start+2+end:]
	}

	words := strings.Fields(text)
	for i, w := range words {
		trimmed := strings.Trim(w, ".,;:!?()[]")
		if trimmed == "" || i == 0 {
			continue
		}
		first := rune(trimmed[0])
		if first >= 'A' && first <= 'Z' {
			add(trimmed)
		}
	}
	return entities
}

// agentStrategy is hybrid retrieval tuned for agent callers: a tighter
// candidate budget, with the agent's preferred domains boosted at merge
// time by the coordinator.
type agentStrategy struct {
	deps strategyDeps
}

func (s *agentStrategy) Name() domain.Strategy { return domain.StrategyAgent }

func (s *agentStrategy) Fetch(ctx context.Context, q domain.Query, searchDomain string, timings *stageTimings) ([]domain.Passage, error) {
	multiplier := s.deps.cfg.HybridCandidateMultiplier - 1
	if multiplier < 1 {
		multiplier = 1
	}
	return hybridFetch(ctx, s.deps, q, searchDomain, multiplier, timings)
}

func domainFilter(searchDomain string) ports.VectorFilter {
	if searchDomain == "" {
		return ports.VectorFilter{}
	}
	return ports.VectorFilter{Domains: []string{searchDomain}}
}

func embedTimed(ctx context.Context, embedder ports.Embedder, text, domainHint string, timings *stageTimings) ([]float32, error) {
	start := time.Now()
	vector, err := embedder.EmbedQuery(ctx, text, domainHint)
	if timings != nil {
		timings.addEmbedding(time.Since(start))
	}
	return vector, err
}

func searchTimed(ctx context.Context, index ports.VectorIndex, vector []float32, topK int, minScore float64, filter ports.VectorFilter, timings *stageTimings) ([]domain.Passage, error) {
	start := time.Now()
	hits, err := index.Search(ctx, vector, topK, minScore, filter)
	if timings != nil {
		timings.addVectorSearch(time.Since(start))
	}
	return hits, err
}
