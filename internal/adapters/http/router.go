package httpadapter

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/metrics"
)

const serviceName = "retrieval-api"

// Router is the thin service surface around the retrieval engine. The
// engine itself is the contract; anything heavier than JSON plumbing
// belongs below this layer.
type Router struct {
	retriever   ports.Retriever
	invalidator ports.CacheInvalidator
	metrics     *metrics.HTTPServerMetrics
}

func NewRouter(retriever ports.Retriever, invalidator ports.CacheInvalidator, m *metrics.HTTPServerMetrics) *Router {
	return &Router{
		retriever:   retriever,
		invalidator: invalidator,
		metrics:     m,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/query", rt.query)
	mux.HandleFunc("/v1/invalidate", rt.invalidate)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) query(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var q domain.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if q.MaxResults == 0 {
		q.MaxResults = 5
	}

	result, err := rt.retriever.Retrieve(r.Context(), q)
	if rt.metrics != nil {
		rt.metrics.RecordRetrieval(serviceName, result, string(q.ResolvedStrategy()), err)
	}
	if err != nil {
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) invalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if rt.invalidator == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "cache invalidation is not configured"})
		return
	}

	var req struct {
		Domain  string `json:"domain"`
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	switch {
	case strings.TrimSpace(req.Domain) != "":
		if err := rt.invalidator.InvalidateDomain(r.Context(), req.Domain); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if rt.metrics != nil {
			rt.metrics.RecordInvalidation(serviceName, "domain")
		}
	case strings.TrimSpace(req.AgentID) != "":
		if err := rt.invalidator.InvalidateAgent(r.Context(), req.AgentID); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if rt.metrics != nil {
			rt.metrics.RecordInvalidation(serviceName, "agent")
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "domain or agent_id is required"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
