package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol describes a tracked asset from the registry. The registry is
// loaded once at startup and never mutated by the pipeline.
type Symbol struct {
	Name        string `json:"name" mapstructure:"name"`
	DisplayName string `json:"display_name" mapstructure:"display_name"`
	Timeframe   string `json:"timeframe" mapstructure:"timeframe"`
}

// MarketDataPoint is a normalized snapshot of a symbol's market state.
// One logical "latest" point exists per symbol; history is append-only.
type MarketDataPoint struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
	High24h   decimal.Decimal `json:"high_24h" db:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h" db:"low_24h"`
	Bid       decimal.Decimal `json:"bid" db:"bid"`
	Ask       decimal.Decimal `json:"ask" db:"ask"`
	ChangePct decimal.Decimal `json:"change_pct" db:"change_pct"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Age returns how old the point is relative to now.
func (p *MarketDataPoint) Age(now time.Time) time.Duration {
	return now.Sub(p.Timestamp)
}

// Stale reports whether the point is older than the given bound.
func (p *MarketDataPoint) Stale(now time.Time, bound time.Duration) bool {
	return p.Age(now) > bound
}

// Candle is a single OHLCV bar used as analysis input.
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}
