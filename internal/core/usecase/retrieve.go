package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

// Config tunes the retrieval coordinator. Zero values are replaced with
// the defaults below.
type Config struct {
	MaxDomains                int
	BranchTimeout             time.Duration
	CacheStoreTimeout         time.Duration
	DomainBoostFactor         float64
	EntityBoostFactor         float64
	HybridCandidateMultiplier int
	HybridScoreDelta          float64
	HybridScoreFloor          float64

	// AgentDomains maps an agent id to the knowledge domains boosted at
	// merge time when that agent runs the agent strategy.
	AgentDomains map[string][]string
}

func (c Config) normalize() Config {
	out := c
	if out.MaxDomains <= 0 {
		out.MaxDomains = 3
	}
	if out.BranchTimeout <= 0 {
		out.BranchTimeout = 10 * time.Second
	}
	if out.CacheStoreTimeout <= 0 {
		out.CacheStoreTimeout = 5 * time.Second
	}
	if out.DomainBoostFactor <= 0 {
		out.DomainBoostFactor = 1.25
	}
	if out.EntityBoostFactor <= 0 {
		out.EntityBoostFactor = 1.15
	}
	if out.HybridCandidateMultiplier <= 0 {
		out.HybridCandidateMultiplier = 3
	}
	if out.HybridScoreDelta <= 0 {
		out.HybridScoreDelta = 0.1
	}
	if out.HybridScoreFloor <= 0 {
		out.HybridScoreFloor = 0.5
	}
	return out
}

// Engine is the retrieval coordinator: cache lookup, strategy dispatch with
// concurrent per-domain fan-out, merging, and best-effort cache store.
// Cache and breaker state are injected, never package-global, so tests run
// against isolated instances.
type Engine struct {
	deps  strategyDeps
	cache ports.RetrievalCache
	cfg   Config

	storeWG sync.WaitGroup
}

func NewEngine(
	embedder ports.Embedder,
	vector ports.VectorIndex,
	metadata ports.MetadataStore,
	graph ports.EntityGraph,
	cache ports.RetrievalCache,
	cfg Config,
) *Engine {
	cfg = cfg.normalize()
	return &Engine{
		deps: strategyDeps{
			embedder: embedder,
			vector:   vector,
			metadata: metadata,
			graph:    graph,
			cfg:      cfg,
		},
		cache: cache,
		cfg:   cfg,
	}
}

// Retrieve answers one knowledge query. Zero passages is success, not an
// error; the caller only sees an error for malformed queries, cancellation,
// or total failure of every strategy branch.
func (e *Engine) Retrieve(ctx context.Context, q domain.Query) (*domain.RetrievalResult, error) {
	start := time.Now()
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var timing domain.TimingBreakdown

	// Exact tier first: no embedding needed for a pure key hit.
	cacheStart := time.Now()
	if e.cache != nil {
		if cached, ok := e.cache.GetExact(ctx, q); ok {
			timing.CacheCheck = time.Since(cacheStart)
			return e.finishCached(cached, "exact", 0, timing, start), nil
		}
	}
	timing.CacheCheck = time.Since(cacheStart)

	// The primary embedding serves the semantic cache tier and is reused
	// by the strategies via the embedder's own cache. An embedding outage
	// just skips the semantic tier; keyword retrieval can still answer.
	var queryVector []float32
	if e.cache != nil || q.ResolvedStrategy() != domain.StrategyKeyword {
		embedStart := time.Now()
		vector, err := e.deps.embedder.EmbedQuery(ctx, q.Text, primaryDomain(q))
		timing.Embedding += time.Since(embedStart)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("query_embedding_unavailable", "error", err)
		} else {
			queryVector = vector
		}
	}

	if e.cache != nil && len(queryVector) > 0 {
		semStart := time.Now()
		cached, similarity, ok := e.cache.GetSemantic(ctx, q, queryVector)
		timing.CacheCheck += time.Since(semStart)
		if ok {
			return e.finishCached(cached, "semantic", similarity, timing, start), nil
		}
	}

	sets, branchErrs, timings := e.fanOut(ctx, q)
	timing.Embedding += time.Duration(timings.embeddingNS.Load())
	timing.VectorSearch = time.Duration(timings.vectorSearchNS.Load())

	if ctx.Err() != nil {
		// Cancellation discards partial results: predictable semantics beat
		// best-effort answers here.
		return nil, ctx.Err()
	}

	searched := searchedDomains(q, e.cfg.MaxDomains)
	if len(branchErrs) > 0 && len(branchErrs) == len(searched) {
		err := domain.WrapError(domain.ErrRetrievalFailed, "retrieve", errors.Join(branchErrs...))
		timing.Total = time.Since(start)
		slog.Error("retrieval_total_failure",
			"strategy", string(q.ResolvedStrategy()),
			"domains", searched,
			"total_ms", durationMS(timing.Total),
			"error", err,
		)
		return nil, err
	}
	for _, branchErr := range branchErrs {
		slog.Warn("retrieval_branch_degraded", "strategy", string(q.ResolvedStrategy()), "error", branchErr)
	}

	mergeStart := time.Now()
	merged := mergeResultSets(sets, MergeOptions{
		MaxResults:   q.MaxResults,
		BoostDomains: e.boostDomains(q),
		BoostFactor:  e.cfg.DomainBoostFactor,
	})
	timing.Merge = time.Since(mergeStart)
	timing.Total = time.Since(start)

	reported := searched
	if len(reported) == 1 && reported[0] == "" {
		reported = nil
	}
	result := &domain.RetrievalResult{
		Passages:        merged,
		ContextText:     buildContextText(merged, q.IncludeMetadata),
		StrategyUsed:    q.ResolvedStrategy(),
		CacheHit:        false,
		DomainsSearched: reported,
		Timing:          timing,
	}

	e.storeAsync(q, queryVector, result)
	return result, nil
}

// fanOut runs one strategy branch per searched domain, concurrently, each
// with its own timeout. Sequential per-domain execution was a known latency
// defect in the previous generation of this engine.
func (e *Engine) fanOut(ctx context.Context, q domain.Query) ([][]domain.Passage, []error, *stageTimings) {
	strategy := strategyFor(e.deps, q.ResolvedStrategy())
	domains := searchedDomains(q, e.cfg.MaxDomains)
	timings := &stageTimings{}

	sets := make([][]domain.Passage, len(domains))
	errsByBranch := make([]error, len(domains))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.MaxDomains)
	for i, dom := range domains {
		group.Go(func() error {
			branchCtx, cancel := context.WithTimeout(groupCtx, e.cfg.BranchTimeout)
			defer cancel()

			passages, err := strategy.Fetch(branchCtx, q, dom, timings)
			if err != nil {
				// A failed branch degrades; never cancel sibling branches.
				errsByBranch[i] = fmt.Errorf("domain %q: %w", dom, err)
				return nil
			}
			sets[i] = passages
			return nil
		})
	}
	_ = group.Wait()

	var branchErrs []error
	for _, err := range errsByBranch {
		if err != nil {
			branchErrs = append(branchErrs, err)
		}
	}
	return sets, branchErrs, timings
}

func (e *Engine) finishCached(cached *domain.RetrievalResult, tier string, similarity float64, timing domain.TimingBreakdown, start time.Time) *domain.RetrievalResult {
	out := *cached
	out.CacheHit = true
	out.CacheTier = tier
	out.CacheSimilarity = similarity
	timing.Total = time.Since(start)
	out.Timing = timing
	return &out
}

func (e *Engine) boostDomains(q domain.Query) []string {
	if q.ResolvedStrategy() != domain.StrategyAgent || q.AgentID == "" {
		return nil
	}
	return e.cfg.AgentDomains[q.AgentID]
}

// storeAsync writes both cache tiers off the request path. A cache-write
// failure must never fail the query.
func (e *Engine) storeAsync(q domain.Query, queryVector []float32, result *domain.RetrievalResult) {
	if e.cache == nil {
		return
	}
	stored := *result
	e.storeWG.Add(1)
	go func() {
		defer e.storeWG.Done()
		storeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.CacheStoreTimeout)
		defer cancel()
		e.cache.Store(storeCtx, q, queryVector, &stored)
	}()
}

// Flush waits for in-flight cache stores. Tests and shutdown hooks use it;
// request handling never does.
func (e *Engine) Flush() {
	e.storeWG.Wait()
}

// searchedDomains caps the fan-out at maxDomains to bound cost and latency.
// An unfiltered query searches the whole index as a single branch.
func searchedDomains(q domain.Query, maxDomains int) []string {
	if len(q.Domains) == 0 {
		return []string{""}
	}
	domains := q.Domains
	if len(domains) > maxDomains {
		domains = domains[:maxDomains]
	}
	out := make([]string, len(domains))
	copy(out, domains)
	return out
}

func primaryDomain(q domain.Query) string {
	if len(q.Domains) > 0 {
		return q.Domains[0]
	}
	return ""
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
