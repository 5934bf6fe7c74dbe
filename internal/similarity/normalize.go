package similarity

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeTitle decomposes accents away, case folds, replaces anything
// that is not a letter or digit with a space, and collapses whitespace.
func NormalizeTitle(title string) string {
	if strings.TrimSpace(title) == "" {
		return ""
	}
	stripped := stripMarks(title)
	folded := cases.Fold().String(stripped)
	var b strings.Builder
	b.Grow(len(folded))
	space := true
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// NormalizeIdentifier keeps only letters and digits, case folded, so
// "MS-12/3" and "ms 12 3" compare equal.
func NormalizeIdentifier(identifier string) string {
	if strings.TrimSpace(identifier) == "" {
		return ""
	}
	folded := cases.Fold().String(stripMarks(identifier))
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TitlePrefix returns the first n letters and digits of the normalized
// title with spaces removed, used as a blocking key.
func TitlePrefix(title string, n int) string {
	normalized := strings.ReplaceAll(NormalizeTitle(title), " ", "")
	if n <= 0 {
		return normalized
	}
	runesOf := []rune(normalized)
	if len(runesOf) <= n {
		return normalized
	}
	return string(runesOf[:n])
}

// stripMarks builds its transformer per call; transformers and casers carry
// state and are not safe for concurrent use.
func stripMarks(value string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, value)
	if err != nil {
		return value
	}
	return out
}
