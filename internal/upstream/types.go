package upstream

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinsentry/coinsentry-go/internal/models"
)

// TickerResponse is the sidecar's ticker payload.
type TickerResponse struct {
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    decimal.Decimal `json:"volume"`
	ChangePct decimal.Decimal `json:"change_pct"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToMarketDataPoint normalizes a ticker into the pipeline's data model.
// A ticker without an exchange timestamp gets the fetch time.
func (t *TickerResponse) ToMarketDataPoint(fetchedAt time.Time) models.MarketDataPoint {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = fetchedAt
	}
	return models.MarketDataPoint{
		Symbol:    t.Symbol,
		Price:     t.Last,
		Volume:    t.Volume,
		High24h:   t.High,
		Low24h:    t.Low,
		Bid:       t.Bid,
		Ask:       t.Ask,
		ChangePct: t.ChangePct,
		Timestamp: ts.UTC(),
	}
}

// OHLCVBar is one candle as returned by the sidecar: [ts-millis, o, h, l, c, v].
type OHLCVBar struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// OHLCVResponse is the sidecar's candle payload.
type OHLCVResponse struct {
	Symbol    string     `json:"symbol"`
	Timeframe string     `json:"timeframe"`
	Bars      []OHLCVBar `json:"bars"`
}

// ToCandles converts the response bars into model candles.
func (o *OHLCVResponse) ToCandles() []models.Candle {
	candles := make([]models.Candle, 0, len(o.Bars))
	for _, bar := range o.Bars {
		candles = append(candles, models.Candle{
			Timestamp: time.UnixMilli(bar.Timestamp).UTC(),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
		})
	}
	return candles
}

type healthResponse struct {
	Status string `json:"status"`
}
