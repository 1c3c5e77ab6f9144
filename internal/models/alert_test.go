package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComparatorApply(t *testing.T) {
	tests := []struct {
		comparator Comparator
		value      string
		threshold  string
		want       bool
	}{
		{CompareGT, "101", "100", true},
		{CompareGT, "100", "100", false},
		{CompareGTE, "100", "100", true},
		{CompareGTE, "99.99", "100", false},
		{CompareLT, "99", "100", true},
		{CompareLT, "100", "100", false},
		{CompareLTE, "100", "100", true},
		{CompareLTE, "100.01", "100", false},
	}

	for _, tt := range tests {
		value := decimal.RequireFromString(tt.value)
		threshold := decimal.RequireFromString(tt.threshold)
		got, err := tt.comparator.Apply(value, threshold)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %s %s", tt.value, tt.comparator, tt.threshold)
	}
}

func TestComparatorApplyUnknown(t *testing.T) {
	_, err := Comparator("eq").Apply(decimal.Zero, decimal.Zero)
	assert.Error(t, err)
}

func TestNeedsAnalysis(t *testing.T) {
	rule := AlertRule{MetricPath: "analysis.rsi_14"}
	assert.True(t, rule.NeedsAnalysis())

	rule.MetricPath = "analysis.confidence"
	assert.True(t, rule.NeedsAnalysis())

	rule.MetricPath = "price"
	assert.False(t, rule.NeedsAnalysis())

	rule.MetricPath = "analysis."
	assert.False(t, rule.NeedsAnalysis())
}

func TestCooldownElapsed(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	state := AlertState{}
	assert.True(t, state.CooldownElapsed(now, 5*time.Minute), "never fired means elapsed")

	state.LastFiredAt = now.Add(-4 * time.Minute)
	assert.False(t, state.CooldownElapsed(now, 5*time.Minute))

	state.LastFiredAt = now.Add(-5 * time.Minute)
	assert.True(t, state.CooldownElapsed(now, 5*time.Minute))
}

func TestMarketDataPointStale(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	point := MarketDataPoint{Timestamp: now.Add(-9 * time.Minute)}

	assert.False(t, point.Stale(now, 10*time.Minute))
	assert.True(t, point.Stale(now, 5*time.Minute))
	assert.Equal(t, 9*time.Minute, point.Age(now))
}
