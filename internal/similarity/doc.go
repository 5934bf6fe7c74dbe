// Package similarity scores candidate record pairs.
//
// Each Strategy turns two records into a Signal: a score in [0,1] and
// whether the strategy had enough data to judge the pair at all. The
// Registry maps detection methods to strategies; the composite strategy
// combines the applicable signals of the others by configured weights.
// Text is compared after Unicode normalization, accent stripping, and case
// folding.
package similarity
