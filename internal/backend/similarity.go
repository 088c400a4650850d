package backend

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/vecgo/distance"
)

// CosineSimilarity returns the cosine similarity of a and b. Vectors of
// different length or zero magnitude score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, ok := distance.NormalizeL2Copy(a)
	if !ok {
		return 0
	}
	nb, ok := distance.NormalizeL2Copy(b)
	if !ok {
		return 0
	}
	return distance.Dot(na, nb)
}

// MatchFilters reports whether metadata satisfies every filter by equality.
// Values are compared by their printed form so 1, int64(1) and "1" match.
func MatchFilters(metadata, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// KeywordScore scores content against a text query for adapters searched
// without an embedding: the fraction of query terms found in content.
func KeywordScore(content, query string) float32 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	found := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			found++
		}
	}
	return float32(found) / float32(len(terms))
}

// RankHits sorts hits by score, highest first, and truncates to limit.
// Ties keep their input order.
func RankHits(hits []SearchHit, limit int) []SearchHit {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
