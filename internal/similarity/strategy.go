package similarity

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"dedupe/internal/catalog"
	"dedupe/internal/detection"
)

// Signal is one strategy's verdict on a pair.
type Signal struct {
	Method detection.Method
	Score  float64
	// Applicable is false when either record lacks the data the strategy
	// needs (no identifier, no attachments). Such signals carry no weight.
	Applicable bool
	// Components holds the weighted inputs of a composite signal.
	Components map[string]float64
}

// Strategy scores a pair of records.
type Strategy interface {
	Method() detection.Method
	Compare(a, b *catalog.Record) (Signal, error)
}

// Title comparison algorithms.
const (
	AlgorithmLevenshtein = "levenshtein"
	AlgorithmJaroWinkler = "jaro-winkler"
	AlgorithmTokenCosine = "token-cosine"
)

var algorithms = []string{AlgorithmLevenshtein, AlgorithmJaroWinkler, AlgorithmTokenCosine}

// ParseAlgorithm normalizes a title algorithm name. Underscores are accepted
// in place of dashes and the empty name selects Levenshtein.
func ParseAlgorithm(value string) (string, bool) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "_", "-")
	if normalized == "" {
		return AlgorithmLevenshtein, true
	}
	if slices.Contains(algorithms, normalized) {
		return normalized, true
	}
	return "", false
}

// Weights controls the composite combination.
type Weights struct {
	Identifier float64
	Title      float64
	Attachment float64
}

// Options configures a Registry.
type Options struct {
	TitleAlgorithm string
	Weights        Weights
	// MinTitleLength makes fuzzy-title inapplicable when either normalized
	// title is shorter than this many characters.
	MinTitleLength int
}

type exactIdentifier struct{}

func (exactIdentifier) Method() detection.Method { return detection.MethodExactIdentifier }

func (exactIdentifier) Compare(a, b *catalog.Record) (Signal, error) {
	signal := Signal{Method: detection.MethodExactIdentifier}
	left, right := NormalizeIdentifier(a.Identifier), NormalizeIdentifier(b.Identifier)
	if left == "" || right == "" {
		return signal, nil
	}
	signal.Applicable = true
	if left == right {
		signal.Score = 1
	}
	return signal, nil
}

// fuzzyIdentifier catches reference codes that differ by a transposed or
// mistyped character, which exact matching misses.
type fuzzyIdentifier struct{}

func (fuzzyIdentifier) Method() detection.Method { return detection.MethodFuzzyIdentifier }

func (fuzzyIdentifier) Compare(a, b *catalog.Record) (Signal, error) {
	signal := Signal{Method: detection.MethodFuzzyIdentifier}
	left, right := NormalizeIdentifier(a.Identifier), NormalizeIdentifier(b.Identifier)
	if left == "" || right == "" {
		return signal, nil
	}
	signal.Applicable = true
	signal.Score = JaroWinkler(left, right)
	return signal, nil
}

type fuzzyTitle struct {
	score     func(a, b string) float64
	minLength int
}

func (fuzzyTitle) Method() detection.Method { return detection.MethodFuzzyTitle }

func (s fuzzyTitle) Compare(a, b *catalog.Record) (Signal, error) {
	signal := Signal{Method: detection.MethodFuzzyTitle}
	left, right := NormalizeTitle(a.Title), NormalizeTitle(b.Title)
	if left == "" || right == "" {
		return signal, nil
	}
	if s.minLength > 0 && (utf8.RuneCountInString(left) < s.minLength || utf8.RuneCountInString(right) < s.minLength) {
		return signal, nil
	}
	signal.Applicable = true
	signal.Score = clip(s.score(left, right))
	return signal, nil
}

func tokenCosine(a, b string) float64 {
	return CosineSimilarity(NewFingerprint(a), NewFingerprint(b))
}

type attachmentHash struct{}

func (attachmentHash) Method() detection.Method { return detection.MethodAttachmentHash }

// Compare scores the overlap coefficient of the two checksum sets: shared
// hashes over the smaller set, so one record holding a subset of the other's
// files scores 1.
func (attachmentHash) Compare(a, b *catalog.Record) (Signal, error) {
	signal := Signal{Method: detection.MethodAttachmentHash}
	left, err := hashSet(a)
	if err != nil {
		return signal, err
	}
	right, err := hashSet(b)
	if err != nil {
		return signal, err
	}
	if len(left) == 0 || len(right) == 0 {
		return signal, nil
	}
	signal.Applicable = true
	if len(right) < len(left) {
		left, right = right, left
	}
	shared := 0
	for hash := range left {
		if _, ok := right[hash]; ok {
			shared++
		}
	}
	signal.Score = float64(shared) / float64(len(left))
	return signal, nil
}

func hashSet(rec *catalog.Record) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(rec.AttachmentHashes))
	for _, raw := range rec.AttachmentHashes {
		hash := strings.ToLower(strings.TrimSpace(raw))
		if hash == "" {
			continue
		}
		if len(hash)%2 != 0 {
			hash = "0" + hash
		}
		if _, err := hex.DecodeString(hash); err != nil {
			return nil, fmt.Errorf("record %d: malformed checksum %q", rec.ID, raw)
		}
		set[hash] = struct{}{}
	}
	return set, nil
}

type composite struct {
	identifier Strategy
	title      Strategy
	attachment Strategy
	weights    Weights
}

func (composite) Method() detection.Method { return detection.MethodComposite }

// Compare takes the weighted mean of the applicable component signals and
// clips it to [0,1]. Components lacking data drop out of the denominator
// instead of dragging the score toward zero.
func (c composite) Compare(a, b *catalog.Record) (Signal, error) {
	signal := Signal{Method: detection.MethodComposite, Components: make(map[string]float64, 3)}
	parts := []struct {
		name     string
		strategy Strategy
		weight   float64
	}{
		{"identifier", c.identifier, c.weights.Identifier},
		{"title", c.title, c.weights.Title},
		{"attachment", c.attachment, c.weights.Attachment},
	}
	var weighted, total float64
	for _, part := range parts {
		if part.weight <= 0 {
			continue
		}
		component, err := part.strategy.Compare(a, b)
		if err != nil {
			return signal, err
		}
		if !component.Applicable {
			continue
		}
		signal.Components[part.name] = component.Score
		weighted += component.Score * part.weight
		total += part.weight
	}
	if total == 0 {
		return signal, nil
	}
	signal.Applicable = true
	signal.Score = clip(weighted / total)
	return signal, nil
}

// Registry maps detection methods to strategies.
type Registry struct {
	strategies map[detection.Method]Strategy
}

// NewRegistry builds the strategy table for the given options.
func NewRegistry(opts Options) (*Registry, error) {
	algorithm, ok := ParseAlgorithm(opts.TitleAlgorithm)
	if !ok {
		return nil, fmt.Errorf("unsupported title algorithm %q", opts.TitleAlgorithm)
	}
	if opts.MinTitleLength < 0 {
		return nil, fmt.Errorf("minimum title length must be non-negative, got %d", opts.MinTitleLength)
	}
	var titleScore func(a, b string) float64
	switch algorithm {
	case AlgorithmLevenshtein:
		titleScore = LevenshteinSimilarity
	case AlgorithmJaroWinkler:
		titleScore = JaroWinkler
	case AlgorithmTokenCosine:
		titleScore = tokenCosine
	}
	weights := opts.Weights
	if weights == (Weights{}) {
		weights = Weights{Identifier: 0.5, Title: 0.35, Attachment: 0.15}
	}

	identifier := exactIdentifier{}
	title := fuzzyTitle{score: titleScore, minLength: opts.MinTitleLength}
	attachment := attachmentHash{}
	return &Registry{strategies: map[detection.Method]Strategy{
		detection.MethodExactIdentifier: identifier,
		detection.MethodFuzzyIdentifier: fuzzyIdentifier{},
		detection.MethodFuzzyTitle:      title,
		detection.MethodAttachmentHash:  attachment,
		detection.MethodComposite: composite{
			identifier: identifier,
			title:      title,
			attachment: attachment,
			weights:    weights,
		},
	}}, nil
}

// Strategy returns the strategy registered for method.
func (r *Registry) Strategy(method detection.Method) (Strategy, bool) {
	s, ok := r.strategies[method]
	return s, ok
}

// Select resolves method names into strategies, preserving order and
// dropping duplicates.
func (r *Registry) Select(names []string) ([]Strategy, error) {
	var (
		selected []Strategy
		seen     []detection.Method
	)
	for _, name := range names {
		method, ok := detection.ParseMethod(name)
		if !ok {
			return nil, fmt.Errorf("unknown detection method %q", name)
		}
		if slices.Contains(seen, method) {
			continue
		}
		seen = append(seen, method)
		selected = append(selected, r.strategies[method])
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no detection methods selected")
	}
	return selected, nil
}
