package knowledge

import (
	"sort"
	"strings"
	"unicode"
)

// Rerank reorders an oversampled result set by lexical overlap with the
// query, using vector similarity as the tie-breaker and document ID as the
// final one, so the ordering is fully deterministic. The second return
// reports whether overlap contributed any signal; when the query yields no
// usable tokens the distance order is returned unchanged and callers may
// record the degradation.
func Rerank(query string, results []Result) ([]Result, bool) {
	tokens := tokenize(query)
	if len(tokens) == 0 || len(results) < 2 {
		return results, false
	}

	type scored struct {
		result  Result
		overlap float64
	}
	scoredResults := make([]scored, len(results))
	anySignal := false
	for i, r := range results {
		overlap := overlapScore(tokens, r.Document.Content)
		if overlap > 0 {
			anySignal = true
		}
		scoredResults[i] = scored{result: r, overlap: overlap}
	}
	if !anySignal {
		return results, false
	}

	sort.SliceStable(scoredResults, func(i, j int) bool {
		a, b := scoredResults[i], scoredResults[j]
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		if a.result.Similarity != b.result.Similarity {
			return a.result.Similarity > b.result.Similarity
		}
		return a.result.Document.ID < b.result.Document.ID
	})

	out := make([]Result, len(scoredResults))
	for i, s := range scoredResults {
		out[i] = s.result
	}
	return out, true
}

// overlapScore is the fraction of query tokens present in the content.
func overlapScore(queryTokens []string, content string) float64 {
	contentTokens := make(map[string]struct{})
	for _, t := range tokenize(content) {
		contentTokens[t] = struct{}{}
	}

	matched := 0
	for _, t := range queryTokens {
		if _, ok := contentTokens[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

// tokenize lowercases and splits on non-letter, non-digit runes, dropping
// tokens too short to carry meaning.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
