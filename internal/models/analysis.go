package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketBias is the directional read produced by the analysis engine.
type MarketBias string

const (
	BiasBullish MarketBias = "bullish"
	BiasBearish MarketBias = "bearish"
	BiasNeutral MarketBias = "neutral"
)

// Valid reports whether the bias is one of the known values.
func (b MarketBias) Valid() bool {
	switch b {
	case BiasBullish, BiasBearish, BiasNeutral:
		return true
	}
	return false
}

// AnalysisResult is an immutable research summary generated from a specific
// MarketDataPoint snapshot. It is persisted append-only; SnapshotAt
// identifies the input snapshot it was derived from.
type AnalysisResult struct {
	Symbol         string            `json:"symbol" db:"symbol"`
	GeneratedAt    time.Time         `json:"generated_at" db:"generated_at"`
	SnapshotAt     time.Time         `json:"snapshot_at" db:"snapshot_at"`
	Summary        string            `json:"summary" db:"summary"`
	PriceAction    string            `json:"price_action" db:"price_action"`
	EntryLevels    string            `json:"entry_levels" db:"entry_levels"`
	ExitLevels     string            `json:"exit_levels" db:"exit_levels"`
	RiskAssessment string            `json:"risk_assessment" db:"risk_assessment"`
	Bias           MarketBias        `json:"bias" db:"bias"`
	Confidence     int               `json:"confidence" db:"confidence"`
	Patterns       []string          `json:"patterns" db:"patterns"`
	Signals        map[string]string `json:"signals" db:"signals"`
}

// Signal returns a derived signal value by name.
func (a *AnalysisResult) Signal(name string) (string, bool) {
	v, ok := a.Signals[name]
	return v, ok
}

// Stale reports whether the result is older than the given bound.
func (a *AnalysisResult) Stale(now time.Time, bound time.Duration) bool {
	return now.Sub(a.GeneratedAt) > bound
}

// IndicatorSnapshot holds the technical indicators computed as analysis input.
type IndicatorSnapshot struct {
	SMA20      decimal.Decimal `json:"sma_20"`
	EMA12      decimal.Decimal `json:"ema_12"`
	EMA26      decimal.Decimal `json:"ema_26"`
	RSI14      decimal.Decimal `json:"rsi_14"`
	VolumeSMA  decimal.Decimal `json:"volume_sma"`
	Pivot      decimal.Decimal `json:"pivot"`
	Resistance decimal.Decimal `json:"r1"`
	Support    decimal.Decimal `json:"s1"`
}
