package usecase

import (
	"sort"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// MergeOptions controls dedup/boost/truncation for one merge pass.
type MergeOptions struct {
	MaxResults   int
	BoostDomains []string
	BoostFactor  float64
}

// mergeResultSets deduplicates, boosts, sorts and truncates the combined
// result sets of all strategies/domains that responded.
//
// Dedup keeps the first occurrence of a key in set-then-rank order, not the
// highest-similarity one. This matches observed production behavior;
// highest-similarity-wins is the candidate replacement if ranking quality
// ever becomes a complaint.
func mergeResultSets(sets [][]domain.Passage, opts MergeOptions) []domain.Passage {
	total := 0
	for _, set := range sets {
		total += len(set)
	}
	if total == 0 {
		return []domain.Passage{}
	}

	boost := map[string]struct{}{}
	for _, d := range opts.BoostDomains {
		boost[d] = struct{}{}
	}
	factor := opts.BoostFactor
	if factor <= 0 {
		factor = 1
	}

	seen := make(map[string]struct{}, total)
	out := make([]domain.Passage, 0, total)
	for _, set := range sets {
		for _, passage := range set {
			key := passage.DedupKey()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			if _, preferred := boost[passage.Domain]; preferred && factor > 1 {
				passage.Similarity *= factor
				if passage.Similarity > 1 {
					passage.Similarity = 1
				}
			}
			out = append(out, passage)
		}
	}

	// Stable sort keeps input order for equal similarities, which makes the
	// final ordering deterministic for deterministic inputs.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})

	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out
}

func filterByThreshold(passages []domain.Passage, minSimilarity float64) []domain.Passage {
	if minSimilarity <= 0 {
		return passages
	}
	out := passages[:0]
	for _, p := range passages {
		if p.Similarity >= minSimilarity {
			out = append(out, p)
		}
	}
	return out
}
