package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/config"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
	"github.com/kirillkom/knowledge-retrieval/internal/core/usecase"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/cache"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/cache/natskv"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/embedding/ollama"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/graph/neo4j"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/metadata/postgres"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/vector/qdrant"
)

// App holds the wired retrieval service. Construction order follows the
// dependency chain: stores first, then clients, then the engine.
type App struct {
	Config config.Config

	Engine      *usecase.Engine
	Retriever   ports.Retriever
	Invalidator ports.CacheInvalidator

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	metadataStore := postgres.NewStore(db)
	if err := metadataStore.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	executor := resilience.NewExecutor(resilience.DefaultConfig())

	embedder, err := ollama.New(ollama.Config{
		BaseURL:           cfg.OllamaURL,
		DefaultModel:      cfg.EmbedModel,
		DomainModels:      config.ParseDomainModels(cfg.EmbedDomainModels),
		MaxInputChars:     cfg.EmbedMaxInputChars,
		RequestsPerSecond: cfg.EmbedRequestsPerSecond,
		Burst:             cfg.EmbedBurst,
		CacheSize:         cfg.EmbedCacheSize,
	}, executor)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	vectorIndex := qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, executor)

	// The graph is optional: without it the entity strategy degrades to
	// plain semantic search.
	var entityGraph ports.EntityGraph
	var graphClient *neo4j.Client
	if cfg.Neo4jURI != "" {
		graphClient, err = neo4j.New(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		if err != nil {
			slog.Warn("entity_graph_unavailable", "uri", cfg.Neo4jURI, "error", err)
			graphClient = nil
		} else {
			entityGraph = graphClient
		}
	}

	var primary ports.ResultCache
	var natsStore *natskv.Store
	if cfg.CacheEnabled {
		natsStore, err = natskv.New(cfg.NATSURL, cfg.CacheBucket, natskv.Options{
			BucketTTL: 2 * time.Duration(cfg.CacheExactTTLSeconds) * time.Second,
		})
		if err != nil {
			slog.Warn("distributed_cache_unavailable", "url", cfg.NATSURL, "error", err)
			natsStore = nil
		} else {
			primary = natsStore
		}
	}
	tier := cache.NewTier(primary, cache.NewMemory(cfg.CacheMemorySize), cache.TierConfig{
		ExactTTL:          time.Duration(cfg.CacheExactTTLSeconds) * time.Second,
		SemanticTTL:       time.Duration(cfg.CacheSemanticTTLSecs) * time.Second,
		SemanticThreshold: cfg.CacheSemanticThreshold,
		SemanticPerBucket: cfg.CacheSemanticPerBucket,
	})

	engine := usecase.NewEngine(embedder, vectorIndex, metadataStore, entityGraph, tier, usecase.Config{
		MaxDomains:                cfg.MaxDomains,
		BranchTimeout:             time.Duration(cfg.BranchTimeoutSeconds) * time.Second,
		DomainBoostFactor:         cfg.DomainBoostFactor,
		EntityBoostFactor:         cfg.EntityBoostFactor,
		HybridCandidateMultiplier: cfg.HybridCandidateMultiplier,
		AgentDomains:              config.ParseAgentDomains(cfg.AgentDomains),
	})

	return &App{
		Config:      cfg,
		Engine:      engine,
		Retriever:   engine,
		Invalidator: tier,
		closeFn: func() {
			engine.Flush()
			if natsStore != nil {
				natsStore.Close()
			}
			if graphClient != nil {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = graphClient.Close(closeCtx)
				cancel()
			}
			_ = db.Close()
		},
	}, nil
}

// Close releases every resource the app owns, draining pending cache
// writes first.
func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
