package similarity_test

import (
	"math"
	"slices"
	"testing"

	"dedupe/internal/catalog"
	"dedupe/internal/detection"
	"dedupe/internal/similarity"
)

func TestNormalizeTitleFoldsAccentsAndPunctuation(t *testing.T) {
	got := similarity.NormalizeTitle("  Procès-Verbaux,  CONSEIL  Municipal ")
	if got != "proces verbaux conseil municipal" {
		t.Fatalf("unexpected normalization %q", got)
	}
	if similarity.NormalizeIdentifier("MS-12/3") != similarity.NormalizeIdentifier("ms 12 3") {
		t.Fatal("identifiers should normalize equal")
	}
	if got := similarity.TitlePrefix("Annual Report 1902", 6); got != "annual" {
		t.Fatalf("unexpected prefix %q", got)
	}
	if got := similarity.TitlePrefix("A B", 6); got != "ab" {
		t.Fatalf("short prefix should be whole title, got %q", got)
	}
}

func TestTitleScoresAreBoundedAndSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"annual report 1901", "annual report 1902"},
		{"minutes", "ledger"},
		{"martha", "marhta"},
		{"", "x"},
	}
	funcs := map[string]func(a, b string) float64{
		"levenshtein":  similarity.LevenshteinSimilarity,
		"jaro-winkler": similarity.JaroWinkler,
	}
	for name, fn := range funcs {
		for _, p := range pairs {
			ab, ba := fn(p[0], p[1]), fn(p[1], p[0])
			if ab < 0 || ab > 1 {
				t.Fatalf("%s(%q,%q) out of range: %f", name, p[0], p[1], ab)
			}
			if math.Abs(ab-ba) > 1e-9 {
				t.Fatalf("%s not symmetric on %v: %f vs %f", name, p, ab, ba)
			}
		}
		if fn("same", "same") != 1 {
			t.Fatalf("%s identical strings should score 1", name)
		}
	}
	if got := similarity.JaroWinkler("martha", "marhta"); math.Abs(got-0.961) > 0.001 {
		t.Fatalf("unexpected jaro-winkler score %f", got)
	}
	if got := similarity.LevenshteinSimilarity("kitten", "sitting"); math.Abs(got-(1-3.0/7.0)) > 1e-9 {
		t.Fatalf("unexpected levenshtein score %f", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := similarity.NewFingerprint("Minutes of the town council")
	b := similarity.NewFingerprint("Town council minutes")
	if got := similarity.CosineSimilarity(a, b); got < 0.7 {
		t.Fatalf("expected high overlap, got %f", got)
	}
	if similarity.NewFingerprint("a of") != nil {
		t.Fatal("short tokens should yield nil fingerprint")
	}
	if similarity.CosineSimilarity(nil, b) != 0 {
		t.Fatal("nil fingerprint should score 0")
	}
}

func registry(t *testing.T, algorithm string) *similarity.Registry {
	t.Helper()
	reg, err := similarity.NewRegistry(similarity.Options{TitleAlgorithm: algorithm})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func strategy(t *testing.T, reg *similarity.Registry, method detection.Method) similarity.Strategy {
	t.Helper()
	s, ok := reg.Strategy(method)
	if !ok {
		t.Fatalf("missing strategy %s", method)
	}
	return s
}

func TestExactIdentifier(t *testing.T) {
	s := strategy(t, registry(t, ""), detection.MethodExactIdentifier)
	a := &catalog.Record{ID: 1, Identifier: "MS-12"}
	b := &catalog.Record{ID: 2, Identifier: "ms12"}
	sig, err := s.Compare(a, b)
	if err != nil || !sig.Applicable || sig.Score != 1 {
		t.Fatalf("expected exact match, got %+v err=%v", sig, err)
	}
	sig, _ = s.Compare(a, &catalog.Record{ID: 3})
	if sig.Applicable {
		t.Fatal("missing identifier should not be applicable")
	}
}

func TestFuzzyIdentifierToleratesTransposition(t *testing.T) {
	s := strategy(t, registry(t, ""), detection.MethodFuzzyIdentifier)
	sig, err := s.Compare(&catalog.Record{ID: 1, Identifier: "MS-1234"}, &catalog.Record{ID: 2, Identifier: "ms 1243"})
	if err != nil || !sig.Applicable {
		t.Fatalf("expected applicable signal, got %+v err=%v", sig, err)
	}
	if sig.Score < 0.95 || sig.Score >= 1 {
		t.Fatalf("transposed identifier should score high but below 1, got %f", sig.Score)
	}
	sig, _ = s.Compare(&catalog.Record{ID: 1, Identifier: "F/12"}, &catalog.Record{ID: 2, Identifier: "f 12"})
	if sig.Score != 1 {
		t.Fatalf("punctuation and case should not matter, got %f", sig.Score)
	}
	sig, _ = s.Compare(&catalog.Record{ID: 1, Identifier: "F/12"}, &catalog.Record{ID: 3, Identifier: " - "})
	if sig.Applicable {
		t.Fatal("identifier without letters or digits should not be applicable")
	}
}

func TestFuzzyTitleMinLength(t *testing.T) {
	reg, err := similarity.NewRegistry(similarity.Options{MinTitleLength: 5})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s := strategy(t, reg, detection.MethodFuzzyTitle)
	sig, _ := s.Compare(&catalog.Record{ID: 1, Title: "Map"}, &catalog.Record{ID: 2, Title: "map"})
	if sig.Applicable {
		t.Fatal("titles below the minimum length should not be applicable")
	}
	sig, _ = s.Compare(&catalog.Record{ID: 1, Title: "Ledger"}, &catalog.Record{ID: 2, Title: "ledger"})
	if !sig.Applicable || sig.Score != 1 {
		t.Fatalf("expected matching titles to score 1, got %+v", sig)
	}
	if _, err := similarity.NewRegistry(similarity.Options{MinTitleLength: -1}); err == nil {
		t.Fatal("expected negative minimum length error")
	}
}

func TestParseAlgorithm(t *testing.T) {
	for input, want := range map[string]string{
		"":             similarity.AlgorithmLevenshtein,
		"Jaro_Winkler": similarity.AlgorithmJaroWinkler,
		"token-cosine": similarity.AlgorithmTokenCosine,
	} {
		got, ok := similarity.ParseAlgorithm(input)
		if !ok || got != want {
			t.Fatalf("ParseAlgorithm(%q) = %q, %v", input, got, ok)
		}
	}
	if _, ok := similarity.ParseAlgorithm("soundex"); ok {
		t.Fatal("soundex should not parse")
	}
}

func TestAttachmentOverlap(t *testing.T) {
	s := strategy(t, registry(t, ""), detection.MethodAttachmentHash)
	a := &catalog.Record{ID: 1, AttachmentHashes: []string{"aa", "bb"}}
	b := &catalog.Record{ID: 2, AttachmentHashes: []string{"AA", "bb", "cc", "dd"}}
	sig, err := s.Compare(a, b)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if sig.Score != 1 {
		t.Fatalf("subset should score 1, got %f", sig.Score)
	}
	c := &catalog.Record{ID: 3, AttachmentHashes: []string{"aa", "ee"}}
	sig, _ = s.Compare(c, b)
	if sig.Score != 0.5 {
		t.Fatalf("expected 0.5, got %f", sig.Score)
	}
	bad := &catalog.Record{ID: 4, AttachmentHashes: []string{"not-a-hash"}}
	if _, err := s.Compare(a, bad); err == nil {
		t.Fatal("expected malformed checksum error")
	}
}

func TestCompositeIgnoresInapplicableSignals(t *testing.T) {
	s := strategy(t, registry(t, similarity.AlgorithmLevenshtein), detection.MethodComposite)
	a := &catalog.Record{ID: 1, Title: "Annual Report"}
	b := &catalog.Record{ID: 2, Title: "annual report"}
	sig, err := s.Compare(a, b)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if !sig.Applicable || sig.Score != 1 {
		t.Fatalf("title-only composite should score 1, got %+v", sig)
	}
	if _, ok := sig.Components["identifier"]; ok {
		t.Fatal("identifier component should be absent")
	}

	a.Identifier, b.Identifier = "X-1", "X-2"
	sig, _ = s.Compare(a, b)
	want := 0.35 / (0.5 + 0.35)
	if math.Abs(sig.Score-want) > 1e-9 {
		t.Fatalf("expected %f, got %f", want, sig.Score)
	}

	empty, _ := s.Compare(&catalog.Record{ID: 5}, &catalog.Record{ID: 6})
	if empty.Applicable {
		t.Fatal("records without data should not be applicable")
	}
}

func TestRegistrySelect(t *testing.T) {
	reg := registry(t, similarity.AlgorithmTokenCosine)
	selected, err := reg.Select([]string{"composite", "fuzzy_title", "composite"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	var methods []detection.Method
	for _, s := range selected {
		methods = append(methods, s.Method())
	}
	if !slices.Equal(methods, []detection.Method{detection.MethodComposite, detection.MethodFuzzyTitle}) {
		t.Fatalf("unexpected selection %v", methods)
	}
	if _, err := reg.Select([]string{"soundex"}); err == nil {
		t.Fatal("expected unknown method error")
	}
	if _, err := similarity.NewRegistry(similarity.Options{TitleAlgorithm: "soundex"}); err == nil {
		t.Fatal("expected unknown algorithm error")
	}
}

func TestBlockingKeys(t *testing.T) {
	repo := int64(4)
	rec := &catalog.Record{
		ID:               1,
		RepositoryID:     &repo,
		Identifier:       "F-1",
		Title:            "Annual Report",
		Level:            "File",
		AttachmentHashes: []string{"AB", "ab", "cd"},
	}
	keys := similarity.BlockingKeys(rec, []string{
		similarity.BlockTitlePrefix,
		similarity.BlockIdentifier,
		similarity.BlockAttachmentHash,
		similarity.BlockRepositoryLevel,
	}, 6)
	want := []string{"t:annual", "i:f1", "h:ab", "h:cd", "r:4|file"}
	if !slices.Equal(keys, want) {
		t.Fatalf("unexpected keys %v", keys)
	}
	if keys := similarity.BlockingKeys(&catalog.Record{ID: 2}, []string{similarity.BlockTitlePrefix}, 6); len(keys) != 0 {
		t.Fatalf("empty record should have no keys, got %v", keys)
	}
}
