package usecase

import (
	"reflect"
	"testing"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

func TestMergeResultSetsKeepsFirstOccurrence(t *testing.T) {
	sets := [][]domain.Passage{
		{{ID: "dup", Similarity: 0.80, Domain: "first"}},
		{{ID: "dup", Similarity: 0.95, Domain: "second"}},
	}
	out := mergeResultSets(sets, MergeOptions{MaxResults: 10})
	if len(out) != 1 {
		t.Fatalf("expected 1 passage, got %d", len(out))
	}
	if out[0].Domain != "first" || out[0].Similarity != 0.80 {
		t.Fatalf("expected first occurrence to win, got %+v", out[0])
	}
}

func TestMergeResultSetsContentKeyDedup(t *testing.T) {
	sets := [][]domain.Passage{
		{{Content: "The  Quick Brown Fox", Similarity: 0.9}},
		{{Content: "the quick brown fox", Similarity: 0.8}},
	}
	out := mergeResultSets(sets, MergeOptions{MaxResults: 10})
	if len(out) != 1 {
		t.Fatalf("expected whitespace/case-normalized content dedup, got %d passages", len(out))
	}
}

func TestMergeResultSetsBoostCappedAtOne(t *testing.T) {
	sets := [][]domain.Passage{
		{{ID: "a", Similarity: 0.95, Domain: "clinical"}},
	}
	out := mergeResultSets(sets, MergeOptions{MaxResults: 10, BoostDomains: []string{"clinical"}, BoostFactor: 1.25})
	if out[0].Similarity != 1.0 {
		t.Fatalf("expected boost capped at 1.0, got %v", out[0].Similarity)
	}
}

func TestMergeResultSetsStableOrderForTies(t *testing.T) {
	sets := [][]domain.Passage{
		{{ID: "a", Similarity: 0.9}, {ID: "b", Similarity: 0.9}},
		{{ID: "c", Similarity: 0.9}},
	}
	out := mergeResultSets(sets, MergeOptions{MaxResults: 10})
	ids := []string{out[0].ID, out[1].ID, out[2].ID}
	if !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Fatalf("expected stable input order for ties, got %v", ids)
	}
}

func TestMergeResultSetsTruncates(t *testing.T) {
	sets := [][]domain.Passage{{
		{ID: "a", Similarity: 0.9},
		{ID: "b", Similarity: 0.8},
		{ID: "c", Similarity: 0.7},
	}}
	out := mergeResultSets(sets, MergeOptions{MaxResults: 2})
	if len(out) != 2 || out[0].ID != "a" || out[1].ID != "b" {
		t.Fatalf("expected top-2 [a b], got %v", out)
	}
}

func TestMergeResultSetsEmptyInput(t *testing.T) {
	out := mergeResultSets(nil, MergeOptions{MaxResults: 5})
	if out == nil || len(out) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", out)
	}
}

func TestFilterByThreshold(t *testing.T) {
	in := []domain.Passage{
		{ID: "a", Similarity: 0.9},
		{ID: "b", Similarity: 0.69},
		{ID: "c", Similarity: 0.7},
	}
	out := filterByThreshold(in, 0.7)
	if len(out) != 2 || out[0].ID != "a" || out[1].ID != "c" {
		t.Fatalf("expected [a c], got %v", out)
	}
	if got := filterByThreshold([]domain.Passage{{ID: "a", Similarity: 0.1}}, 0); len(got) != 1 {
		t.Fatalf("zero threshold must pass everything")
	}
}
