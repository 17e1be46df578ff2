package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

const noContextMessage = "No relevant context found for this query."

// buildContextText renders the ranked passages as one human-readable block
// suitable for prompt assembly downstream.
func buildContextText(passages []domain.Passage, includeMetadata bool) string {
	if len(passages) == 0 {
		return noContextMessage
	}

	var b strings.Builder
	for idx, p := range passages {
		if includeMetadata {
			b.WriteString(fmt.Sprintf("[%d] title=%s domain=%s similarity=%.3f", idx+1, valueOr(p.Title, "untitled"), valueOr(p.Domain, "general"), p.Similarity))
			if p.Section != "" {
				b.WriteString(" section=" + p.Section)
			}
			if p.PageNumber > 0 {
				b.WriteString(fmt.Sprintf(" page=%d", p.PageNumber))
			}
			b.WriteString("\n")
		} else {
			b.WriteString(fmt.Sprintf("[%d] similarity=%.3f\n", idx+1, p.Similarity))
		}
		b.WriteString(strings.TrimSpace(p.Content))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
