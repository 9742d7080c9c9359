// Package fuzzy provides the name-similarity scoring used throughout the
// curation pipeline for entity resolution: merge-target lookup, exclusion
// set membership, and duplicate detection. Scoring is symmetric,
// deterministic, and carries no learned state.
package fuzzy

import (
	"strings"

	"lorekeeper/internal/lore"
)

// DefaultThreshold is the minimum similarity treated as a match.
const DefaultThreshold = 0.7

// shortNameLimit bounds the edit-distance tier; past 20 characters a
// distance of 2 is too weak a signal.
const shortNameLimit = 20

// Similarity scores two names in [0, 1]:
//
//	1.0  case-folded trimmed equality
//	0.8  one contains the other as a substring
//	0.7  both short and Levenshtein distance <= 2
//	0.0  otherwise
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.8
	}
	if len(a) <= shortNameLimit && len(b) <= shortNameLimit && Levenshtein(a, b) <= 2 {
		return 0.7
	}
	return 0
}

// Match field tags.
const (
	FieldName = "name"
	FieldKey  = "key"
)

// Match is a scored candidate from FindBestMatch.
type Match struct {
	Entry *lore.LorebookEntry
	Score float64
	Field string // which field matched: FieldName or FieldKey
	Value string // the matched display name or key
}

// FindBestMatch scans each candidate's display name and every trigger key
// and returns the highest-scoring match at or above threshold, or nil.
func FindBestMatch(name string, entries []lore.LorebookEntry, threshold float64) *Match {
	var best *Match
	for i := range entries {
		e := &entries[i]
		if score := Similarity(name, e.DisplayName); score >= threshold {
			if best == nil || score > best.Score {
				best = &Match{Entry: e, Score: score, Field: FieldName, Value: e.DisplayName}
			}
		}
		for _, key := range e.Keys {
			if score := Similarity(name, key); score >= threshold {
				if best == nil || score > best.Score {
					best = &Match{Entry: e, Score: score, Field: FieldKey, Value: key}
				}
			}
		}
	}
	return best
}

// Levenshtein computes the edit distance between two strings.
func Levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	matrix := make([][]int, len(b)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(a)+1)
		matrix[i][0] = i
	}
	for j := 0; j <= len(a); j++ {
		matrix[0][j] = j
	}

	for i := 1; i <= len(b); i++ {
		for j := 1; j <= len(a); j++ {
			if b[i-1] == a[j-1] {
				matrix[i][j] = matrix[i-1][j-1]
				continue
			}
			min := matrix[i-1][j-1]
			if matrix[i][j-1] < min {
				min = matrix[i][j-1]
			}
			if matrix[i-1][j] < min {
				min = matrix[i-1][j]
			}
			matrix[i][j] = min + 1
		}
	}

	return matrix[len(b)][len(a)]
}

// Jaccard computes set overlap between two case-folded key lists.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, k := range a {
		setA[strings.ToLower(strings.TrimSpace(k))] = true
	}
	setB := make(map[string]bool, len(b))
	for _, k := range b {
		setB[strings.ToLower(strings.TrimSpace(k))] = true
	}
	var intersection int
	for k := range setA {
		if setB[k] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
