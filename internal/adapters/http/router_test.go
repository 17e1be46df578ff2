package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/metrics"
)

type retrieverFake struct {
	query  domain.Query
	result *domain.RetrievalResult
	err    error
}

func (f *retrieverFake) Retrieve(_ context.Context, q domain.Query) (*domain.RetrievalResult, error) {
	f.query = q
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type invalidatorFake struct {
	domainArg string
	agentArg  string
	err       error
}

func (f *invalidatorFake) InvalidateDomain(_ context.Context, d string) error {
	f.domainArg = d
	return f.err
}

func (f *invalidatorFake) InvalidateAgent(_ context.Context, agentID string) error {
	f.agentArg = agentID
	return f.err
}

func newTestHandler(retriever *retrieverFake, invalidator *invalidatorFake) http.Handler {
	rt := NewRouter(retriever, invalidator, metrics.NewHTTPServerMetrics("test"))
	return rt.Handler()
}

func TestHealthz(t *testing.T) {
	handler := newTestHandler(&retrieverFake{}, &invalidatorFake{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestQueryEndpoint(t *testing.T) {
	retriever := &retrieverFake{result: &domain.RetrievalResult{
		Passages:     []domain.Passage{{ID: "a", Content: "alpha", Similarity: 0.9}},
		ContextText:  "alpha",
		StrategyUsed: domain.StrategyHybrid,
	}}
	handler := newTestHandler(retriever, &invalidatorFake{})

	body := `{"text":"dosing","domains":["clinical"],"min_similarity":0.7}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if retriever.query.MaxResults != 5 {
		t.Fatalf("expected default max_results=5, got %d", retriever.query.MaxResults)
	}

	var result domain.RetrievalResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(result.Passages) != 1 || result.ContextText != "alpha" {
		t.Fatalf("unexpected response: %+v", result)
	}
}

func TestQueryEndpointMethodAndBodyValidation(t *testing.T) {
	handler := newTestHandler(&retrieverFake{}, &invalidatorFake{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/query", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestQueryEndpointErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.WrapErrorMsg(domain.ErrInvalidQuery, "validate query", "text is required"), http.StatusBadRequest},
		{domain.WrapError(domain.ErrTemporary, "embed", errors.New("down")), http.StatusServiceUnavailable},
		{domain.WrapError(domain.ErrRetrievalFailed, "retrieve", errors.New("all branches")), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		handler := newTestHandler(&retrieverFake{err: tc.err}, &invalidatorFake{})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"text":"q"}`)))
		if rec.Code != tc.status {
			t.Fatalf("error %v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
	}
}

func TestInvalidateByDomain(t *testing.T) {
	invalidator := &invalidatorFake{}
	handler := newTestHandler(&retrieverFake{}, invalidator)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/invalidate", strings.NewReader(`{"domain":"clinical"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if invalidator.domainArg != "clinical" {
		t.Fatalf("expected domain clinical, got %q", invalidator.domainArg)
	}
}

func TestInvalidateByAgent(t *testing.T) {
	invalidator := &invalidatorFake{}
	handler := newTestHandler(&retrieverFake{}, invalidator)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/invalidate", strings.NewReader(`{"agent_id":"triage-bot"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if invalidator.agentArg != "triage-bot" {
		t.Fatalf("expected agent triage-bot, got %q", invalidator.agentArg)
	}
}

func TestInvalidateRequiresScope(t *testing.T) {
	handler := newTestHandler(&retrieverFake{}, &invalidatorFake{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/invalidate", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestInvalidateWithoutInvalidator(t *testing.T) {
	rt := NewRouter(&retrieverFake{}, nil, nil)
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/invalidate", strings.NewReader(`{"domain":"x"}`)))
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	handler := newTestHandler(&retrieverFake{}, &invalidatorFake{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	handler := newTestHandler(&retrieverFake{}, &invalidatorFake{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "req-42" {
		t.Fatalf("expected caller request id echoed, got %q", got)
	}
}
