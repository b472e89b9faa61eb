// Package authoring helps spec writers recover from near-miss names. When
// validation rejects an unknown operation, transform, or step reference, the
// matcher proposes the closest configured names.
package authoring

import (
	"sort"
	"strings"

	"github.com/agext/levenshtein"
)

// minSimilarity filters out proposals that share almost nothing with the
// input; below this a suggestion is more confusing than silence.
const minSimilarity = 0.5

// Suggestion pairs a candidate name with its similarity to the input.
type Suggestion struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Suggest returns up to max candidates ranked by Levenshtein similarity to
// the input, best first. Matching is case-insensitive; ties break
// alphabetically so output is stable.
func Suggest(input string, candidates []string, max int) []Suggestion {
	if input == "" || len(candidates) == 0 || max <= 0 {
		return nil
	}

	needle := strings.ToLower(input)
	scored := make([]Suggestion, 0, len(candidates))
	for _, candidate := range candidates {
		score := levenshtein.Match(needle, strings.ToLower(candidate), nil)
		if score >= minSimilarity {
			scored = append(scored, Suggestion{Name: candidate, Score: score})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Name < scored[j].Name
	})

	if len(scored) > max {
		scored = scored[:max]
	}
	return scored
}

// Closest returns the single best suggestion, or "" when nothing clears the
// similarity floor.
func Closest(input string, candidates []string) string {
	suggestions := Suggest(input, candidates, 1)
	if len(suggestions) == 0 {
		return ""
	}
	return suggestions[0].Name
}
