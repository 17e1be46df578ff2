package usecase

import (
	"strings"
	"testing"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

func TestBuildContextTextEmpty(t *testing.T) {
	if got := buildContextText(nil, false); got != noContextMessage {
		t.Fatalf("expected %q, got %q", noContextMessage, got)
	}
}

func TestBuildContextTextPlain(t *testing.T) {
	got := buildContextText([]domain.Passage{
		{Content: "  first passage  ", Similarity: 0.912},
		{Content: "second passage", Similarity: 0.801},
	}, false)

	if !strings.Contains(got, "[1] similarity=0.912") {
		t.Fatalf("missing first header: %q", got)
	}
	if !strings.Contains(got, "[2] similarity=0.801") {
		t.Fatalf("missing second header: %q", got)
	}
	if strings.Contains(got, "  first passage  ") {
		t.Fatalf("content not trimmed: %q", got)
	}
	if strings.HasSuffix(got, "\n") {
		t.Fatalf("trailing newline not trimmed")
	}
}

func TestBuildContextTextWithMetadata(t *testing.T) {
	got := buildContextText([]domain.Passage{
		{Content: "body", Similarity: 0.9, Title: "Dosing Guide", Domain: "clinical", Section: "Adults", PageNumber: 4},
	}, true)

	if !strings.Contains(got, "title=Dosing Guide") || !strings.Contains(got, "domain=clinical") {
		t.Fatalf("metadata header incomplete: %q", got)
	}
	if !strings.Contains(got, "section=Adults") || !strings.Contains(got, "page=4") {
		t.Fatalf("section/page missing: %q", got)
	}
}

func TestBuildContextTextMetadataFallbacks(t *testing.T) {
	got := buildContextText([]domain.Passage{{Content: "body", Similarity: 0.9}}, true)
	if !strings.Contains(got, "title=untitled") || !strings.Contains(got, "domain=general") {
		t.Fatalf("expected fallback labels, got %q", got)
	}
}
