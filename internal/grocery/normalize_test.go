package grocery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"Milk 2L Nestle", "milk 2l nestle"},
		{"  Bread   White ", "bread white"},
		{"Cheddar (Old) [Value Pack]", "cheddar"},
		{"Coca-Cola Zero", "coca cola zero"},
		{"Kellogg's Corn Flakes!", "kelloggs corn flakes"},
		{"Crème Fraîche", "crème fraîche"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestExtractSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		size     string
		unit     string
		expectOK bool
	}{
		{"Milk 2L", "2", "L", true},
		{"Yogurt 750 ml", "750", "ml", true},
		{"Bread 675g", "675", "g", true},
		{"Flour 2.5kg", "2.5", "kg", true},
		{"Eggs 12 ct", "12", "pack", true},
		{"Bananas", "", "", false},
	}
	for _, tt := range tests {
		size, unit, ok := ExtractSize(tt.in)
		require.Equal(t, tt.expectOK, ok, tt.in)
		assert.Equal(t, tt.size, size, tt.in)
		assert.Equal(t, tt.unit, unit, tt.in)
	}
}

func TestRecordResolved(t *testing.T) {
	t.Parallel()

	at := time.Unix(100, 0).UTC()
	require.True(t, FromCandidate("milk", CandidateResult{Name: "Milk", URL: "u"}, at).Resolved())
	require.True(t, NotFound("milk", "walmart", at).Resolved())
	require.False(t, Failed("milk", "walmart", at, ErrTransient).Resolved())
}

func TestNewSnapshotCounts(t *testing.T) {
	t.Parallel()

	at := time.Unix(100, 0).UTC()
	snap := NewSnapshot([]ScrapeRecord{
		{ProductName: "a", Found: true},
		{ProductName: "b"},
	}, at)
	require.Equal(t, 2, snap.TotalProducts)
	require.Equal(t, 1, snap.ProductsFound)

	empty := NewSnapshot(nil, at)
	require.NotNil(t, empty.Products)
	require.Zero(t, empty.TotalProducts)
}
