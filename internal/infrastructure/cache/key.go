package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

const (
	exactPrefix    = "exact"
	semanticPrefix = "sem"
)

// exactKey is a stable hash of the normalized query plus every parameter
// that changes the answer. Agent and domain tokens stay readable in the key
// so invalidation can sweep by prefix/substring without decoding entries.
func exactKey(q domain.Query) string {
	return fmt.Sprintf("%s.%s.h=%s", exactPrefix, scopeSegment(q), paramsHash(q, true))
}

// semanticBucket groups semantic entries per logical caller scope.
func semanticBucket(q domain.Query) string {
	return fmt.Sprintf("%s.%s", semanticPrefix, scopeSegment(q))
}

// paramsFingerprint identifies the non-text query parameters. A semantic
// match is only served for the same fingerprint: similar text, identical
// result shape.
func paramsFingerprint(q domain.Query) string {
	return paramsHash(q, false)
}

func paramsHash(q domain.Query, includeText bool) string {
	parts := []string{
		"agent=" + q.AgentID,
		"domains=" + strings.Join(sortedDomains(q.Domains), ","),
		fmt.Sprintf("max=%d", q.MaxResults),
		fmt.Sprintf("min=%.4f", q.MinSimilarity),
		fmt.Sprintf("meta=%t", q.IncludeMetadata),
		"strategy=" + string(q.ResolvedStrategy()),
	}
	if includeText {
		parts = append(parts, "text="+q.NormalizedText())
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:8])
}

func scopeSegment(q domain.Query) string {
	agent := sanitizeToken(q.AgentID)
	if agent == "" {
		agent = "global"
	}
	domains := sanitizeToken(strings.Join(sortedDomains(q.Domains), "-"))
	if domains == "" {
		domains = "all"
	}
	return "a=" + agent + ".d=" + domains
}

func sortedDomains(domains []string) []string {
	out := make([]string, len(domains))
	copy(out, domains)
	sort.Strings(out)
	return out
}

// sanitizeToken keeps key segments inside the charset every backend
// accepts (NATS KV keys in particular).
func sanitizeToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
