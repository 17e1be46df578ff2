package cache

import (
	"encoding/json"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// envelope is the stored form of one cache entry. Expiry is validated on
// read from StoredAt+TTL because not every backend enforces per-entry TTL.
type envelope struct {
	Key            string                 `json:"key"`
	AgentID        string                 `json:"agent_id,omitempty"`
	Domains        []string               `json:"domains,omitempty"`
	Fingerprint    string                 `json:"fingerprint"`
	QueryEmbedding []float32              `json:"query_embedding,omitempty"`
	Result         domain.RetrievalResult `json:"result"`
	StoredAt       time.Time              `json:"stored_at"`
	TTLSeconds     int64                  `json:"ttl_seconds"`
}

func (e envelope) expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.StoredAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

func (e envelope) matchesDomain(domainName string) bool {
	for _, d := range e.Domains {
		if d == domainName {
			return true
		}
	}
	// An unscoped entry may contain passages from any domain; a domain
	// sweep must take it with the rest.
	return len(e.Domains) == 0
}

func encodeEnvelope(e envelope) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var e envelope
	err := json.Unmarshal(raw, &e)
	return e, err
}
