package config

import (
	"reflect"
	"testing"
)

func TestLoadRetrievalDefaults(t *testing.T) {
	t.Setenv("RETRIEVAL_MAX_DOMAINS", "")
	t.Setenv("RETRIEVAL_BRANCH_TIMEOUT_SECONDS", "")
	t.Setenv("RETRIEVAL_DOMAIN_BOOST", "")
	t.Setenv("RETRIEVAL_HYBRID_MULTIPLIER", "")
	t.Setenv("CACHE_SEMANTIC_THRESHOLD", "")
	t.Setenv("CACHE_EXACT_TTL_SECONDS", "")

	cfg := Load()
	if cfg.MaxDomains != 3 {
		t.Fatalf("expected default max domains 3, got %d", cfg.MaxDomains)
	}
	if cfg.BranchTimeoutSeconds != 10 {
		t.Fatalf("expected default branch timeout 10s, got %d", cfg.BranchTimeoutSeconds)
	}
	if cfg.DomainBoostFactor != 1.25 {
		t.Fatalf("expected default domain boost 1.25, got %v", cfg.DomainBoostFactor)
	}
	if cfg.HybridCandidateMultiplier != 3 {
		t.Fatalf("expected default hybrid multiplier 3, got %d", cfg.HybridCandidateMultiplier)
	}
	if cfg.CacheSemanticThreshold != 0.85 {
		t.Fatalf("expected default semantic threshold 0.85, got %v", cfg.CacheSemanticThreshold)
	}
	if cfg.CacheExactTTLSeconds != 3600 {
		t.Fatalf("expected default exact ttl 3600, got %d", cfg.CacheExactTTLSeconds)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("RETRIEVAL_MAX_DOMAINS", "5")
	t.Setenv("CACHE_SEMANTIC_THRESHOLD", "0.9")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("EMBED_MODEL", "custom-embed")

	cfg := Load()
	if cfg.MaxDomains != 5 {
		t.Fatalf("expected max domains 5, got %d", cfg.MaxDomains)
	}
	if cfg.CacheSemanticThreshold != 0.9 {
		t.Fatalf("expected semantic threshold 0.9, got %v", cfg.CacheSemanticThreshold)
	}
	if cfg.CacheEnabled {
		t.Fatalf("expected cache disabled")
	}
	if cfg.EmbedModel != "custom-embed" {
		t.Fatalf("expected embed model override, got %q", cfg.EmbedModel)
	}
}

func TestLoadFallsBackOnUnparsable(t *testing.T) {
	t.Setenv("RETRIEVAL_MAX_DOMAINS", "many")
	t.Setenv("RETRIEVAL_DOMAIN_BOOST", "lots")
	t.Setenv("CACHE_ENABLED", "maybe")

	cfg := Load()
	if cfg.MaxDomains != 3 {
		t.Fatalf("unparsable int must fall back, got %d", cfg.MaxDomains)
	}
	if cfg.DomainBoostFactor != 1.25 {
		t.Fatalf("unparsable float must fall back, got %v", cfg.DomainBoostFactor)
	}
	if !cfg.CacheEnabled {
		t.Fatalf("unparsable bool must fall back to default true")
	}
}

func TestParseDomainModels(t *testing.T) {
	got := ParseDomainModels("Clinical=pubmedbert-embed, regulatory = nomic-embed-text ,broken,=x,y=")
	want := map[string]string{
		"clinical":   "pubmedbert-embed",
		"regulatory": "nomic-embed-text",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseDomainModels() = %v, want %v", got, want)
	}
}

func TestParseAgentDomains(t *testing.T) {
	got := ParseAgentDomains("triage-bot=clinical;regulatory, researcher=general,broken")
	want := map[string][]string{
		"triage-bot": {"clinical", "regulatory"},
		"researcher": {"general"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseAgentDomains() = %v, want %v", got, want)
	}
	if out := ParseAgentDomains(""); len(out) != 0 {
		t.Fatalf("empty input must yield empty map, got %v", out)
	}
}
