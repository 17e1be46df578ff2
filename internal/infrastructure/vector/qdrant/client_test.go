package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
)

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2.0,
		BreakerEnabled:      false,
	})
}

const searchResponse = `{"result":[
	{"id":"chunk-1","score":0.92,"payload":{"doc_id":"doc-1","text":"alpha","domain":"clinical","title":"Guide","url":"https://example.org","section":"Adults","page_number":4}},
	{"id":7,"score":1.4,"payload":{"text":"beta"}},
	{"id":"chunk-3","score":-0.2,"payload":{"text":"gamma"}}
]}`

func TestSearchDecodesAndClampsScores(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/knowledge/points/search" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = w.Write([]byte(searchResponse))
	}))
	defer server.Close()

	client := New(server.URL, "knowledge", testExecutor())
	passages, err := client.Search(context.Background(), []float32{0.1, 0.2}, 5, 0.7, ports.VectorFilter{Domains: []string{"clinical"}})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(passages) != 3 {
		t.Fatalf("expected 3 passages, got %d", len(passages))
	}

	first := passages[0]
	if first.ID != "chunk-1" || first.DocumentID != "doc-1" || first.Content != "alpha" {
		t.Fatalf("unexpected first passage: %+v", first)
	}
	if first.Title != "Guide" || first.Section != "Adults" || first.PageNumber != 4 {
		t.Fatalf("payload metadata not decoded: %+v", first)
	}
	if passages[1].ID != "7" {
		t.Fatalf("numeric point id not stringified: %q", passages[1].ID)
	}
	if passages[1].Similarity != 1 || passages[2].Similarity != 0 {
		t.Fatalf("scores not clamped into [0,1]: %v %v", passages[1].Similarity, passages[2].Similarity)
	}

	if captured["limit"] != float64(5) {
		t.Fatalf("expected limit 5, got %v", captured["limit"])
	}
	if captured["score_threshold"] != 0.7 {
		t.Fatalf("expected score_threshold 0.7, got %v", captured["score_threshold"])
	}
	raw, _ := json.Marshal(captured["filter"])
	if !strings.Contains(string(raw), `"domain"`) || !strings.Contains(string(raw), `"clinical"`) {
		t.Fatalf("domain filter missing: %s", raw)
	}
}

func TestSearchOmitsThresholdAndFilterWhenUnset(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = w.Write([]byte(`{"result":[]}`))
	}))
	defer server.Close()

	client := New(server.URL, "knowledge", testExecutor())
	if _, err := client.Search(context.Background(), []float32{0.1}, 0, 0, ports.VectorFilter{}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if _, ok := captured["score_threshold"]; ok {
		t.Fatalf("zero threshold must be omitted")
	}
	if _, ok := captured["filter"]; ok {
		t.Fatalf("empty filter must be omitted")
	}
	if captured["limit"] != float64(10) {
		t.Fatalf("expected default limit 10, got %v", captured["limit"])
	}
}

func TestSearchRejectsEmptyVector(t *testing.T) {
	client := New("http://unused", "knowledge", nil)
	if _, err := client.Search(context.Background(), nil, 5, 0.7, ports.VectorFilter{}); err == nil {
		t.Fatalf("expected error for empty vector")
	}
}

func TestSearchRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"result":[]}`))
	}))
	defer server.Close()

	client := New(server.URL, "knowledge", testExecutor())
	if _, err := client.Search(context.Background(), []float32{0.1}, 5, 0, ports.VectorFilter{}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestSearchOpenCircuitDegradesToEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    1,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryMultiplier:     2.0,
		BreakerEnabled:      true,
		BreakerMinRequests:  1,
		BreakerFailureRatio: 0.5,
		BreakerOpenTimeout:  time.Minute,
	})
	client := New(server.URL, "knowledge", executor)

	// First call fails and trips the breaker.
	if _, err := client.Search(context.Background(), []float32{0.1}, 5, 0, ports.VectorFilter{}); err == nil {
		t.Fatalf("expected first call to fail")
	}

	// With the breaker open the client degrades to an empty result.
	passages, err := client.Search(context.Background(), []float32{0.1}, 5, 0, ports.VectorFilter{})
	if err != nil {
		t.Fatalf("open circuit must degrade, got %v", err)
	}
	if len(passages) != 0 {
		t.Fatalf("expected empty result, got %v", passages)
	}
}

func TestUpsertCreatesCollectionOnce(t *testing.T) {
	var creates, upserts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/collections/knowledge":
			creates.Add(1)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/knowledge/points":
			upserts.Add(1)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, "knowledge", nil)
	for i := 0; i < 3; i++ {
		if err := client.Upsert(context.Background(), "p1", []float32{0.1, 0.2}, map[string]any{"text": "a"}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	if creates.Load() != 1 {
		t.Fatalf("expected one ensure-collection call, got %d", creates.Load())
	}
	if upserts.Load() != 3 {
		t.Fatalf("expected 3 upserts, got %d", upserts.Load())
	}
}

func TestUpsertTreatsConflictAsExisting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/knowledge" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(server.URL, "knowledge", nil)
	if err := client.Upsert(context.Background(), "p1", []float32{0.1}, nil); err != nil {
		t.Fatalf("conflict must mean already-exists, got %v", err)
	}
}

func TestStringify(t *testing.T) {
	if got := stringify("abc"); got != "abc" {
		t.Fatalf("stringify(string) = %q", got)
	}
	if got := stringify(float64(42)); got != "42" {
		t.Fatalf("stringify(float64) = %q", got)
	}
	if got := stringify(nil); got != "" {
		t.Fatalf("stringify(nil) = %q", got)
	}
}
