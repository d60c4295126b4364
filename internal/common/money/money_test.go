package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromMajor(t *testing.T) {
	tests := []struct {
		name     string
		major    float64
		currency Currency
		want     int64
	}{
		{"whole ringgit", 20, MYR, 2000},
		{"fractional", 12.5, MYR, 1250},
		{"rounding up", 0.005, USD, 1},
		{"yen has no minor units", 500, JPY, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewFromMajor(tt.major, tt.currency)
			assert.Equal(t, tt.want, got.AmountMinor)
			assert.Equal(t, tt.currency, got.Currency)
		})
	}
}

func TestAddSub(t *testing.T) {
	a := New(1500, MYR)
	b := New(500, MYR)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, New(2000, MYR), sum)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, New(1000, MYR), diff)

	_, err = a.Add(New(100, USD))
	assert.Error(t, err)
}

func TestComparisons(t *testing.T) {
	assert.True(t, New(2000, MYR).GreaterThan(New(1999, MYR)))
	assert.True(t, New(2000, MYR).GreaterOrEqual(New(2000, MYR)))
	assert.True(t, New(1, MYR).LessThan(New(2, MYR)))

	// Cross-currency comparisons are never true
	assert.False(t, New(2000, MYR).GreaterThan(New(1, USD)))
	assert.False(t, New(1, MYR).LessThan(New(2000, USD)))
}

func TestMin(t *testing.T) {
	assert.Equal(t, New(500, MYR), Min(New(500, MYR), New(2000, MYR)))
	assert.Equal(t, New(500, MYR), Min(New(2000, MYR), New(500, MYR)))
}

func TestJSONRoundTrip(t *testing.T) {
	m := New(1250, MYR)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got Money
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, m, got)
}

func TestString(t *testing.T) {
	assert.Equal(t, "RM12.50", New(1250, MYR).String())
	assert.Equal(t, "$0.01", New(1, USD).String())
}
