package web

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// maxSuggestDistance bounds how far a suggestion may be from the query.
const maxSuggestDistance = 2

// Result reports the state of a find request.
type Result struct {
	RequestID          int    `json:"requestId"`
	ActiveMatchOrdinal int    `json:"activeMatchOrdinal"`
	Matches            int    `json:"matches"`
	FinalUpdate        bool   `json:"finalUpdate"`
	Suggestion         string `json:"suggestion,omitempty"`
}

// countMatches counts case-insensitive, non-overlapping occurrences.
func countMatches(text, query string) int {
	if query == "" {
		return 0
	}
	return strings.Count(strings.ToLower(text), strings.ToLower(query))
}

// suggest returns the word of text closest to query, if any is within
// maxSuggestDistance edits.
func suggest(text, query string) string {
	q := strings.ToLower(query)
	if q == "" || strings.ContainsFunc(q, unicode.IsSpace) {
		return ""
	}

	best, bestDist := "", maxSuggestDistance+1
	seen := make(map[string]bool)
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		w := strings.ToLower(word)
		if seen[w] {
			continue
		}
		seen[w] = true
		if d := levenshtein.ComputeDistance(q, w); d < bestDist {
			best, bestDist = word, d
		}
	}
	return best
}
