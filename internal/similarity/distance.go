package similarity

import (
	"github.com/adrg/strutil/metrics"
)

// Inputs are normalized before scoring, so the metrics compare case
// sensitively and skip their own lowercasing.
var (
	levenshteinMetric = &metrics.Levenshtein{CaseSensitive: true, InsertCost: 1, DeleteCost: 1, ReplaceCost: 1}
	jaroWinklerMetric = &metrics.JaroWinkler{CaseSensitive: true}
)

// LevenshteinSimilarity returns 1 - distance/maxLen over runes. Identical
// strings score 1; an empty side scores 0.
func LevenshteinSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	return clip(levenshteinMetric.Compare(a, b))
}

// JaroWinkler returns the Jaro-Winkler similarity of a and b, boosting
// matches that share up to four leading runes.
func JaroWinkler(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	return clip(jaroWinklerMetric.Compare(a, b))
}
