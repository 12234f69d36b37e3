package rating

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbxbilling/callrater/internal/model"
)

func rule(id uint64, prefix string, price int64) model.RateRule {
	return model.RateRule{
		ID:                  id,
		Prefix:              prefix,
		RateType:            model.RateTypePerSecond,
		UnitPrice:           decimal.NewFromInt(price),
		BillingCycleSeconds: 1,
		Active:              true,
	}
}

func TestNormalizeDestination(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"081234", "6281234"},
		{"+6281234567", "6281234567"},
		{"'0062215551234'", "62215551234"},
		{"\"+44 20\"", "44 20"},
		{"0215551234", "215551234"},
		{"8123", "628123"},
		{"000", ""},
		{"", ""},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, NormalizeDestination(tc.input))
		})
	}
}

func TestNormalizeDestinationIsIdempotent(t *testing.T) {
	for _, input := range []string{"081234", "+6281234567", "0215551234", "8123"} {
		once := NormalizeDestination(input)
		assert.Equal(t, once, NormalizeDestination(once))
	}
}

func TestValidDestination(t *testing.T) {
	assert.True(t, ValidDestination("6281234"))
	assert.False(t, ValidDestination(""))
	assert.False(t, ValidDestination("44 20"))
	assert.False(t, ValidDestination("62abc"))
}

func TestFindRatePrefersLongestPrefix(t *testing.T) {
	catalog := NewCatalog([]model.RateRule{rule(1, "62", 100), rule(2, "6281", 150)})

	matched, ok := catalog.FindRate("081234")
	require.True(t, ok)
	assert.Equal(t, "6281", matched.Prefix)
	assert.True(t, decimal.NewFromInt(150).Equal(matched.UnitPrice))

	matched, ok = catalog.FindRate("0215551234")
	assert.False(t, ok)
	assert.Nil(t, matched)

	matched, ok = catalog.FindRate("+62215551234")
	require.True(t, ok)
	assert.Equal(t, "62", matched.Prefix)
}

func TestFindRateTieBreaksOnLowestID(t *testing.T) {
	forward := NewCatalog([]model.RateRule{rule(7, "6281", 150), rule(3, "6281", 90)})
	reverse := NewCatalog([]model.RateRule{rule(3, "6281", 90), rule(7, "6281", 150)})

	for _, catalog := range []*Catalog{forward, reverse} {
		matched, ok := catalog.FindRate("6281234")
		require.True(t, ok)
		assert.Equal(t, uint64(3), matched.ID)
	}
}

func TestFindRateSkipsInactiveAndInvalidPrefixes(t *testing.T) {
	inactive := rule(1, "6281", 150)
	inactive.Active = false
	catalog := NewCatalog([]model.RateRule{inactive, rule(2, "62", 100), rule(3, "", 1), rule(4, "62x", 1)})

	assert.Equal(t, 1, catalog.Len())
	matched, ok := catalog.FindRate("6281234")
	require.True(t, ok)
	assert.Equal(t, uint64(2), matched.ID)
}

func TestFindRateReturnsCopy(t *testing.T) {
	catalog := NewCatalog([]model.RateRule{rule(1, "62", 100)})
	matched, ok := catalog.FindRate("62")
	require.True(t, ok)
	matched.UnitPrice = decimal.NewFromInt(1)

	again, _ := catalog.FindRate("62")
	assert.True(t, decimal.NewFromInt(100).Equal(again.UnitPrice))
}

func TestEmptyCatalog(t *testing.T) {
	var catalog *Catalog
	_, ok := catalog.FindRate("6281")
	assert.False(t, ok)
	assert.Equal(t, 0, catalog.Len())
}

func TestDestinationRegion(t *testing.T) {
	assert.Equal(t, "ID", DestinationRegion("6281234567890"))
	assert.Equal(t, "ZZ", DestinationRegion(""))
	assert.Equal(t, "ZZ", DestinationRegion("44 20"))
}
