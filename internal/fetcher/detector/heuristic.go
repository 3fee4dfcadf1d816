// Package detector recognizes soft blocks: pages a store serves instead of
// results when it suspects automation.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

// Heuristic implements a handful of rule-based block checks.
type Heuristic struct {
	// ShellThreshold is the size under which a script-heavy page is treated
	// as a challenge shell.
	ShellThreshold int
	markers        [][]byte
}

// DefaultMarkers are phrases seen on interstitial challenge pages.
var DefaultMarkers = []string{
	"px-captcha",
	"g-recaptcha",
	"h-captcha",
	"are you a robot",
	"verify you are human",
	"press & hold",
	"unusual traffic",
	"access denied",
}

// NewHeuristic creates a detector. A zero threshold defaults to 2048 bytes;
// nil markers use DefaultMarkers.
func NewHeuristic(threshold int, markers []string) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	if markers == nil {
		markers = DefaultMarkers
	}
	lower := make([][]byte, 0, len(markers))
	for _, m := range markers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		lower = append(lower, bytes.ToLower([]byte(m)))
	}
	return &Heuristic{ShellThreshold: threshold, markers: lower}
}

// Blocked reports whether the page is a soft block, with a short reason.
func (h *Heuristic) Blocked(page grocery.Page) (bool, string) {
	if h == nil {
		return false, ""
	}
	switch page.StatusCode {
	case http.StatusForbidden:
		return true, "status 403"
	case http.StatusTooManyRequests:
		return true, "status 429"
	}
	finalURL := page.FinalURL
	if finalURL == "" {
		finalURL = page.URL
	}
	if strings.Contains(strings.ToLower(finalURL), "blocked") {
		return true, "redirected to block page"
	}
	body := page.Body
	if len(body) == 0 {
		return false, ""
	}
	lowerBody := bytes.ToLower(body)
	for _, m := range h.markers {
		if bytes.Contains(lowerBody, m) {
			return true, "challenge marker " + string(m)
		}
	}
	if len(body) < h.ShellThreshold && scriptDensityHigh(lowerBody) {
		return true, "script-only challenge shell"
	}
	return false, ""
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the document. lower must already be lowercased.
func scriptDensityHigh(lower []byte) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	var (
		openTag  = []byte("<script")
		closeTag = []byte("</script>")
	)
	coverage := 0
	pos := 0
	for {
		rel := bytes.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagClose := bytes.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Unterminated tag: the rest of the document is script.
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		next := total
		if end := bytes.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
