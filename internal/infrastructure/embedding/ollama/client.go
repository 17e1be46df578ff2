package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
)

type Config struct {
	BaseURL      string
	DefaultModel string

	// DomainModels routes a query's domain hint to a tuned model, e.g.
	// clinical domains to a biomedical embedding model.
	DomainModels map[string]string

	MaxInputChars     int
	SingleCallTimeout time.Duration
	BatchCallTimeout  time.Duration
	RequestsPerSecond float64
	Burst             int
	CacheSize         int
}

func (c Config) normalize() Config {
	out := c
	out.BaseURL = strings.TrimRight(out.BaseURL, "/")
	if out.DefaultModel == "" {
		out.DefaultModel = "nomic-embed-text"
	}
	if out.MaxInputChars <= 0 {
		out.MaxInputChars = 2048
	}
	if out.SingleCallTimeout <= 0 {
		out.SingleCallTimeout = 30 * time.Second
	}
	if out.BatchCallTimeout <= 0 {
		out.BatchCallTimeout = 60 * time.Second
	}
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 10
	}
	if out.Burst <= 0 {
		out.Burst = 20
	}
	if out.CacheSize <= 0 {
		out.CacheSize = 10000
	}
	return out
}

// Client embeds text against an Ollama-compatible provider. Raw embeddings
// are cached by normalized-text key without expiry: the embedding of
// identical text never changes.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	executor   *resilience.Executor
	cache      *lru.Cache[string, []float32]
}

func New(cfg Config, executor *resilience.Executor) (*Client, error) {
	cfg = cfg.normalize()
	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.BatchCallTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		executor:   executor,
		cache:      cache,
	}, nil
}

// EmbedQuery embeds a single query text, selecting the model for the given
// domain hint.
func (c *Client) EmbedQuery(ctx context.Context, text, domainHint string) ([]float32, error) {
	sanitized := sanitizeInput(text, c.cfg.MaxInputChars)
	if sanitized == "" {
		return nil, domain.WrapErrorMsg(domain.ErrInvalidQuery, "embed query", "text is empty after sanitation")
	}

	model := c.modelFor(domainHint)
	key := cacheKey(model, sanitized)
	if vector, ok := c.cache.Get(key); ok {
		return copyVector(vector), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.SingleCallTimeout)
	defer cancel()

	vectors, err := c.embed(callCtx, model, []string{sanitized})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embed query: provider returned no embedding")
	}

	c.cache.Add(key, vectors[0])
	return copyVector(vectors[0]), nil
}

// Embed is the batch boundary used by the ingestion collaborator when it
// writes chunk vectors through this service's provider credentials.
func (c *Client) Embed(ctx context.Context, texts []string, domainHint string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	sanitized := make([]string, 0, len(texts))
	for _, t := range texts {
		s := sanitizeInput(t, c.cfg.MaxInputChars)
		if s == "" {
			return nil, domain.WrapErrorMsg(domain.ErrInvalidQuery, "embed batch", "batch contains empty text")
		}
		sanitized = append(sanitized, s)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.BatchCallTimeout)
	defer cancel()
	return c.embed(callCtx, c.modelFor(domainHint), sanitized)
}

func (c *Client) embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	request := map[string]any{
		"model": model,
		"input": input,
	}
	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}

	call := func(ctx context.Context) error {
		return c.postJSON(ctx, "/api/embed", request, &response, "embed")
	}
	if c.executor != nil {
		if err := c.executor.Execute(ctx, "embedding:"+model, call, classifyEmbedError); err != nil {
			return nil, wrapTemporaryIfNeeded("embed", err)
		}
	} else if err := call(ctx); err != nil {
		return nil, err
	}
	return response.Embeddings, nil
}

func (c *Client) modelFor(domainHint string) string {
	if domainHint != "" {
		if model, ok := c.cfg.DomainModels[strings.ToLower(domainHint)]; ok && model != "" {
			return model
		}
	}
	return c.cfg.DefaultModel
}

func cacheKey(model, sanitized string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(sanitized), " "))
	return model + "\x00" + normalized
}

// sanitizeInput strips control characters and truncates to the provider's
// input budget before the text leaves the process.
func sanitizeInput(text string, maxChars int) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}

func copyVector(vector []float32) []float32 {
	out := make([]float32, len(vector))
	copy(out, vector)
	return out
}
