package grocery

import (
	"regexp"
	"strings"
)

var (
	bracketPattern = regexp.MustCompile(`\s*(\(.*?\)|\[.*?\])`)
	dashPattern    = regexp.MustCompile(`\s*-\s*`)
	nonWordPattern = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)

	sizePatterns = []struct {
		re   *regexp.Regexp
		unit string
	}{
		{regexp.MustCompile(`(\d+\.?\d*)\s*(ml|milliliter|millilitre)\b`), "ml"},
		{regexp.MustCompile(`(\d+\.?\d*)\s*(l|liter|litre)\b`), "L"},
		{regexp.MustCompile(`(\d+\.?\d*)\s*(kg|kilogram|kilograms)\b`), "kg"},
		{regexp.MustCompile(`(\d+\.?\d*)\s*(g|gram|grams)\b`), "g"},
		{regexp.MustCompile(`(\d+\.?\d*)\s*(oz|ounce|ounces)\b`), "oz"},
		{regexp.MustCompile(`(\d+\.?\d*)\s*(lb|lbs|pound|pounds)\b`), "lb"},
		{regexp.MustCompile(`(\d+)\s*(pack|packs|ct|count)\b`), "pack"},
	}
)

// NormalizeName lowercases a product name and strips bracketed qualifiers,
// dashes and punctuation so the same product matches across stores.
func NormalizeName(name string) string {
	if name == "" {
		return ""
	}
	out := strings.ToLower(name)
	out = bracketPattern.ReplaceAllString(out, "")
	out = dashPattern.ReplaceAllString(out, " ")
	out = nonWordPattern.ReplaceAllString(out, "")
	return strings.Join(strings.Fields(out), " ")
}

// ExtractSize returns the first size/unit pair found in the name, e.g. "2L" → ("2", "L").
func ExtractSize(name string) (string, string, bool) {
	lower := strings.ToLower(name)
	for _, p := range sizePatterns {
		if m := p.re.FindStringSubmatch(lower); m != nil {
			return m[1], p.unit, true
		}
	}
	return "", "", false
}
