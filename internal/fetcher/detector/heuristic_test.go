package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

func TestHeuristicBlockedStatus(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0, nil)
	for _, code := range []int{http.StatusForbidden, http.StatusTooManyRequests} {
		blocked, reason := h.Blocked(grocery.Page{StatusCode: code})
		require.True(t, blocked)
		require.NotEmpty(t, reason)
	}
}

func TestHeuristicBlockedURL(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0, nil)
	blocked, _ := h.Blocked(grocery.Page{
		URL:        "https://www.walmart.ca/search?q=milk",
		FinalURL:   "https://www.walmart.ca/blocked?url=L3NlYXJjaA==",
		StatusCode: http.StatusOK,
		Body:       []byte(strings.Repeat("x", 4096)),
	})
	require.True(t, blocked)
}

func TestHeuristicBlockedMarker(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0, nil)
	blocked, reason := h.Blocked(grocery.Page{
		StatusCode: http.StatusOK,
		Body:       []byte(`<html><div id="px-captcha"></div><p>Press &amp; Hold to confirm</p></html>`),
	})
	require.True(t, blocked)
	require.Contains(t, reason, "px-captcha")
}

func TestHeuristicScriptShell(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000, []string{})
	blocked, reason := h.Blocked(grocery.Page{
		StatusCode: http.StatusOK,
		Body:       []byte(`<html><script>var a=1;</script><p>t</p></html>`),
	})
	require.True(t, blocked)
	require.Equal(t, "script-only challenge shell", reason)
}

func TestHeuristicNormalPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, nil)
	body := `<html><body>` + strings.Repeat(`<div class="tile"><a href="/p">Milk 2L</a></div>`, 10) + `</body></html>`
	blocked, _ := h.Blocked(grocery.Page{StatusCode: http.StatusOK, Body: []byte(body)})
	require.False(t, blocked)

	blocked, _ = h.Blocked(grocery.Page{StatusCode: http.StatusOK})
	require.False(t, blocked, "empty bodies are not blocks")

	var nilDetector *Heuristic
	blocked, _ = nilDetector.Blocked(grocery.Page{StatusCode: http.StatusForbidden})
	require.False(t, blocked)
}

func TestScriptDensityUnterminated(t *testing.T) {
	t.Parallel()

	require.True(t, scriptDensityHigh([]byte(`<p>x</p><script src="a.js"`)))
	require.False(t, scriptDensityHigh([]byte(`<p>plain text only</p>`)))
}
