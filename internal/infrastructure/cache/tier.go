package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

type TierConfig struct {
	ExactTTL          time.Duration
	SemanticTTL       time.Duration
	SemanticThreshold float64
	SemanticPerBucket int
}

func (c TierConfig) normalize() TierConfig {
	out := c
	if out.ExactTTL <= 0 {
		// Retrieval results only change when the knowledge base changes,
		// and ingestion invalidates explicitly. Long TTL is safe.
		out.ExactTTL = time.Hour
	}
	if out.SemanticTTL <= 0 {
		out.SemanticTTL = 30 * time.Minute
	}
	if out.SemanticThreshold <= 0 || out.SemanticThreshold > 1 {
		out.SemanticThreshold = 0.85
	}
	if out.SemanticPerBucket <= 0 {
		out.SemanticPerBucket = 64
	}
	return out
}

// Tier is the two-level result cache: exact match by normalized key, then
// semantic match by cosine similarity against recently cached query
// embeddings. All backend failures degrade to "always miss", never to
// wrong data.
type Tier struct {
	primary  ports.ResultCache
	fallback ports.ResultCache
	cfg      TierConfig
	now      func() time.Time
}

func NewTier(primary ports.ResultCache, fallback ports.ResultCache, cfg TierConfig) *Tier {
	if fallback == nil {
		fallback = NewMemory(1024)
	}
	return &Tier{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg.normalize(),
		now:      time.Now,
	}
}

func (t *Tier) GetExact(ctx context.Context, q domain.Query) (*domain.RetrievalResult, bool) {
	key := exactKey(q)
	raw, err := t.read(ctx, key)
	if err != nil {
		return nil, false
	}
	entry, err := decodeEnvelope(raw)
	if err != nil {
		return nil, false
	}
	if entry.expired(t.now()) {
		t.delete(ctx, key)
		return nil, false
	}
	result := entry.Result
	return &result, true
}

func (t *Tier) GetSemantic(ctx context.Context, q domain.Query, embedding []float32) (*domain.RetrievalResult, float64, bool) {
	if len(embedding) == 0 {
		return nil, 0, false
	}

	prefix := semanticBucket(q) + "."
	fingerprint := paramsFingerprint(q)
	now := t.now()

	keys, err := t.keys(ctx, prefix)
	if err != nil {
		return nil, 0, false
	}

	var (
		best           *envelope
		bestSimilarity float64
	)
	for _, key := range keys {
		raw, err := t.read(ctx, key)
		if err != nil {
			continue
		}
		entry, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		if entry.expired(now) {
			t.delete(ctx, key)
			continue
		}
		if entry.Fingerprint != fingerprint || len(entry.QueryEmbedding) == 0 {
			continue
		}
		similarity := cosineSimilarity(embedding, entry.QueryEmbedding)
		if similarity >= t.cfg.SemanticThreshold && similarity > bestSimilarity {
			bestSimilarity = similarity
			entryCopy := entry
			best = &entryCopy
		}
	}
	if best == nil {
		return nil, 0, false
	}
	result := best.Result
	return &result, bestSimilarity, true
}

// Store writes the result into both tiers. Failures are logged and
// swallowed: a cache write must never affect the query that produced it.
func (t *Tier) Store(ctx context.Context, q domain.Query, embedding []float32, result *domain.RetrievalResult) {
	if result == nil {
		return
	}
	now := t.now()

	exact := envelope{
		Key:         exactKey(q),
		AgentID:     q.AgentID,
		Domains:     sortedDomains(q.Domains),
		Fingerprint: paramsFingerprint(q),
		Result:      *result,
		StoredAt:    now,
		TTLSeconds:  int64(t.cfg.ExactTTL / time.Second),
	}
	t.write(ctx, exact.Key, exact, t.cfg.ExactTTL)

	if len(embedding) == 0 {
		return
	}
	semantic := exact
	semantic.Key = fmt.Sprintf("%s.%d", semanticBucket(q), now.UnixNano())
	semantic.QueryEmbedding = embedding
	semantic.TTLSeconds = int64(t.cfg.SemanticTTL / time.Second)
	t.write(ctx, semantic.Key, semantic, t.cfg.SemanticTTL)
	t.pruneBucket(ctx, semanticBucket(q)+".")
}

// InvalidateDomain sweeps every entry whose query was scoped to the domain,
// plus unscoped entries which may contain its passages.
func (t *Tier) InvalidateDomain(ctx context.Context, domainName string) error {
	return t.sweep(ctx, func(e envelope) bool {
		return e.matchesDomain(domainName)
	})
}

func (t *Tier) InvalidateAgent(ctx context.Context, agentID string) error {
	return t.sweep(ctx, func(e envelope) bool {
		return e.AgentID == agentID
	})
}

func (t *Tier) sweep(ctx context.Context, match func(envelope) bool) error {
	var firstErr error
	for _, prefix := range []string{exactPrefix + ".", semanticPrefix + "."} {
		keys, err := t.keys(ctx, prefix)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, key := range keys {
			raw, err := t.read(ctx, key)
			if err != nil {
				continue
			}
			entry, err := decodeEnvelope(raw)
			if err != nil || match(entry) {
				t.delete(ctx, key)
			}
		}
	}
	return firstErr
}

// pruneBucket keeps the per-bucket semantic entry count bounded by
// evicting the oldest entries first.
func (t *Tier) pruneBucket(ctx context.Context, prefix string) {
	keys, err := t.keys(ctx, prefix)
	if err != nil || len(keys) <= t.cfg.SemanticPerBucket {
		return
	}

	type aged struct {
		key      string
		storedAt time.Time
	}
	entries := make([]aged, 0, len(keys))
	for _, key := range keys {
		raw, err := t.read(ctx, key)
		if err != nil {
			continue
		}
		entry, err := decodeEnvelope(raw)
		if err != nil {
			t.delete(ctx, key)
			continue
		}
		entries = append(entries, aged{key: key, storedAt: entry.StoredAt})
	}

	for len(entries) > t.cfg.SemanticPerBucket {
		oldest := 0
		for i := 1; i < len(entries); i++ {
			if entries[i].storedAt.Before(entries[oldest].storedAt) {
				oldest = i
			}
		}
		t.delete(ctx, entries[oldest].key)
		entries = append(entries[:oldest], entries[oldest+1:]...)
	}
}

func (t *Tier) read(ctx context.Context, key string) ([]byte, error) {
	if t.primary != nil {
		raw, err := t.primary.Get(ctx, key)
		if err == nil {
			return raw, nil
		}
		if !domain.IsKind(err, domain.ErrCacheMiss) {
			slog.Warn("cache_read_degraded", "key", key, "error", err)
		}
	}
	return t.fallback.Get(ctx, key)
}

func (t *Tier) write(ctx context.Context, key string, entry envelope, ttl time.Duration) {
	raw, err := encodeEnvelope(entry)
	if err != nil {
		slog.Warn("cache_encode_failed", "key", key, "error", err)
		return
	}
	if t.primary != nil {
		err := t.primary.Set(ctx, key, raw, ttl)
		if err == nil {
			return
		}
		slog.Warn("cache_write_degraded", "key", key, "error", err)
	}
	if err := t.fallback.Set(ctx, key, raw, ttl); err != nil {
		slog.Warn("cache_write_failed", "key", key, "error", err)
	}
}

func (t *Tier) keys(ctx context.Context, prefix string) ([]string, error) {
	if t.primary != nil {
		keys, err := t.primary.Keys(ctx, prefix)
		if err == nil {
			return keys, nil
		}
		slog.Warn("cache_keys_degraded", "prefix", prefix, "error", err)
	}
	return t.fallback.Keys(ctx, prefix)
}

func (t *Tier) delete(ctx context.Context, key string) {
	if t.primary != nil {
		if err := t.primary.Delete(ctx, key); err != nil {
			slog.Warn("cache_delete_degraded", "key", key, "error", err)
		}
	}
	_ = t.fallback.Delete(ctx, key)
}

// cosineSimilarity with float64 accumulation; zero vectors compare as 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
