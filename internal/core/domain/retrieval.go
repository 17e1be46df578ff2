package domain

import (
	"strconv"
	"strings"
	"time"
)

// Strategy selects one retrieval algorithm. The set is closed; unknown
// values resolve to StrategyHybrid at dispatch time.
type Strategy string

const (
	StrategySemantic Strategy = "semantic"
	StrategyHybrid   Strategy = "hybrid"
	StrategyKeyword  Strategy = "keyword"
	StrategyEntity   Strategy = "entity"
	StrategyAgent    Strategy = "agent"
)

// KnownStrategy reports whether s is one of the closed strategy set.
func KnownStrategy(s Strategy) bool {
	switch s {
	case StrategySemantic, StrategyHybrid, StrategyKeyword, StrategyEntity, StrategyAgent:
		return true
	default:
		return false
	}
}

// Query is the immutable retrieval request. Construct it, validate it,
// pass it by value.
type Query struct {
	Text            string   `json:"text"`
	Domains         []string `json:"domains,omitempty"`
	Strategy        Strategy `json:"strategy,omitempty"`
	AgentID         string   `json:"agent_id,omitempty"`
	MaxResults      int      `json:"max_results"`
	MinSimilarity   float64  `json:"min_similarity"`
	IncludeMetadata bool     `json:"include_metadata"`
}

// Validate rejects permanently malformed queries. These are never retried.
func (q Query) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return WrapErrorMsg(ErrInvalidQuery, "validate query", "text is required")
	}
	if q.MaxResults <= 0 {
		return WrapErrorMsg(ErrInvalidQuery, "validate query", "max_results must be positive")
	}
	if q.MinSimilarity < 0 || q.MinSimilarity > 1 {
		return WrapErrorMsg(ErrInvalidQuery, "validate query", "min_similarity must be in [0,1]")
	}
	if q.Strategy != "" && !KnownStrategy(q.Strategy) {
		return WrapErrorMsg(ErrInvalidQuery, "validate query", "unknown strategy "+string(q.Strategy))
	}
	return nil
}

// NormalizedText is the cache-key form of the query text. Embedding and
// search always receive the original casing.
func (q Query) NormalizedText() string {
	return strings.ToLower(strings.Join(strings.Fields(q.Text), " "))
}

// ResolvedStrategy maps empty/unknown strategies to the hybrid default.
func (q Query) ResolvedStrategy() Strategy {
	if KnownStrategy(q.Strategy) {
		return q.Strategy
	}
	return StrategyHybrid
}

// Passage is one retrieved unit of text with its relevance score and
// provenance. Identity is ID; DedupKey falls back to a content prefix key
// when ID is empty.
type Passage struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id,omitempty"`
	Content    string         `json:"content"`
	Similarity float64        `json:"similarity"`
	Domain     string         `json:"domain,omitempty"`
	Title      string         `json:"title,omitempty"`
	URL        string         `json:"url,omitempty"`
	PageNumber int            `json:"page_number,omitempty"`
	Section    string         `json:"section,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

const dedupContentPrefix = 200

// DedupKey is the merge identity for a passage. Content-derived keys are a
// dedup aid, not a security hash.
func (p Passage) DedupKey() string {
	if p.ID != "" {
		return "id:" + p.ID
	}
	content := strings.ToLower(strings.Join(strings.Fields(p.Content), " "))
	prefix := content
	if len(prefix) > dedupContentPrefix {
		prefix = prefix[:dedupContentPrefix]
	}
	return "content:" + prefix + ":" + strconv.Itoa(len(content))
}

// TimingBreakdown records per-stage latencies. Cache-check time is measured
// on every call, hits included.
type TimingBreakdown struct {
	CacheCheck   time.Duration `json:"cache_check_ms"`
	Embedding    time.Duration `json:"embedding_ms"`
	VectorSearch time.Duration `json:"vector_search_ms"`
	Merge        time.Duration `json:"merge_ms"`
	Total        time.Duration `json:"total_ms"`
}

// RetrievalResult is the engine's answer. Passages are sorted by similarity
// descending with stable input-order tie-breaks, deduplicated, truncated to
// the query's MaxResults, and all at or above the query's MinSimilarity.
type RetrievalResult struct {
	Passages        []Passage       `json:"passages"`
	ContextText     string          `json:"context_text"`
	StrategyUsed    Strategy        `json:"strategy_used"`
	CacheHit        bool            `json:"cache_hit"`
	CacheTier       string          `json:"cache_tier,omitempty"`
	CacheSimilarity float64         `json:"cache_similarity,omitempty"`
	DomainsSearched []string        `json:"domains_searched,omitempty"`
	Timing          TimingBreakdown `json:"timing"`
}

// ChunkMeta is the relational enrichment record for one indexed chunk.
type ChunkMeta struct {
	ChunkID      string
	DocumentID   string
	Title        string
	Domain       string
	Tags         []string
	AccessPolicy string
	URL          string
	PageNumber   int
	Section      string
}

// AccessPolicyPublic marks chunks every caller may see. Hybrid enrichment
// drops chunks carrying any other policy value.
const AccessPolicyPublic = "public"
