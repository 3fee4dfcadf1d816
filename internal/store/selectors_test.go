package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

func TestParseSearch(t *testing.T) {
	t.Parallel()

	adapter, err := NewSelectorAdapter("metro", testSelectors())
	require.NoError(t, err)

	page := grocery.Page{URL: "https://store.test/search?q=milk", FinalURL: "https://store.test/en/search?q=milk", Body: []byte(searchHTML)}
	got, err := adapter.ParseSearch(page)
	require.NoError(t, err)
	require.Len(t, got, 3, "tiles without a name are skipped")

	assert.Equal(t, "Nestle Milk 2L", got[0].Name)
	assert.Equal(t, "https://store.test/p/1", got[0].URL)
	require.NotNil(t, got[0].Price)
	assert.InDelta(t, 3.49, *got[0].Price, 1e-9)
	assert.Equal(t, "2 L", got[0].Size)
	assert.True(t, got[0].InStock)
	assert.Equal(t, "metro", got[0].Source)

	assert.Equal(t, "https://other.test/p/3", got[2].URL)
	assert.False(t, got[2].InStock)
}

func TestParseSearchMaxResults(t *testing.T) {
	t.Parallel()

	sel := testSelectors()
	sel.MaxResults = 2
	adapter, err := NewSelectorAdapter("metro", sel)
	require.NoError(t, err)

	got, err := adapter.ParseSearch(grocery.Page{URL: "https://store.test/", Body: []byte(searchHTML)})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestParseSearchLinkFallbacks(t *testing.T) {
	t.Parallel()

	sel := testSelectors()
	sel.Link = ""
	sel.Item = "a.tile"
	sel.Name = ".title"
	adapter, err := NewSelectorAdapter("s", sel)
	require.NoError(t, err)

	body := `<a class="tile" href="/ip/42"><span class="title">Bread White</span></a>`
	got, err := adapter.ParseSearch(grocery.Page{URL: "https://store.test/search", Body: []byte(body)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://store.test/ip/42", got[0].URL)
}

func TestParseDetail(t *testing.T) {
	t.Parallel()

	adapter, err := NewSelectorAdapter("s", testSelectors())
	require.NoError(t, err)

	got, err := adapter.ParseDetail(grocery.Page{URL: "https://store.test/p/1", Body: []byte(detailHTML)})
	require.NoError(t, err)
	assert.Equal(t, "Nestle Pure Milk 2L", got.Name)
	assert.Equal(t, "Nestle", got.Brand)
	assert.Equal(t, "https://store.test/p/1", got.URL)

	_, err = adapter.ParseDetail(grocery.Page{URL: "https://store.test/p/2", Body: []byte("<html></html>")})
	require.Error(t, err)
}

func TestSearchURLEscapesQuery(t *testing.T) {
	t.Parallel()

	adapter, err := NewSelectorAdapter("s", testSelectors())
	require.NoError(t, err)
	assert.Equal(t, "https://store.test/search?q=Ben+%26+Jerry%27s+500ml", adapter.SearchURL(" Ben & Jerry's 500ml "))
}

func TestSelectorsValidate(t *testing.T) {
	t.Parallel()

	sel := testSelectors()
	sel.SearchURL = "https://store.test/search"
	_, err := NewSelectorAdapter("s", sel)
	require.Error(t, err)

	sel = testSelectors()
	sel.Item = " "
	_, err = NewSelectorAdapter("s", sel)
	require.Error(t, err)

	_, err = NewSelectorAdapter("", testSelectors())
	require.Error(t, err)
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want *float64
	}{
		{"$3.49", ptr(3.49)},
		{"Now $1,299.00 ea", ptr(1299)},
		{"89¢", ptr(0.89)},
		{"2 for $5", ptr(2)},
		{"", nil},
		{"Price unavailable", nil},
	}
	for _, tc := range cases {
		got := parsePrice(tc.in)
		if tc.want == nil {
			assert.Nil(t, got, tc.in)
			continue
		}
		require.NotNil(t, got, tc.in)
		assert.InDelta(t, *tc.want, *got, 1e-9, tc.in)
	}
}

func ptr(v float64) *float64 { return &v }
