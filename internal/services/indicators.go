package services

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/shopspring/decimal"

	"github.com/coinsentry/coinsentry-go/internal/models"
)

// minCandles is the shortest window the indicator set needs (EMA26 plus
// headroom for RSI smoothing to settle).
const minCandles = 30

// computeIndicators derives the technical snapshot fed into the analysis
// prompt from an OHLCV window. Candles must be oldest-first.
func computeIndicators(candles []models.Candle) (*models.IndicatorSnapshot, error) {
	if len(candles) < minCandles {
		return nil, fmt.Errorf("insufficient candles: need at least %d, got %d", minCandles, len(candles))
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, candle := range candles {
		closes[i] = candle.Close.InexactFloat64()
		volumes[i] = candle.Volume.InexactFloat64()
	}

	sma20 := lastValue(helper.ChanToSlice(trend.NewSmaWithPeriod[float64](20).Compute(helper.SliceToChan(closes))))
	ema12 := lastValue(helper.ChanToSlice(trend.NewEmaWithPeriod[float64](12).Compute(helper.SliceToChan(closes))))
	ema26 := lastValue(helper.ChanToSlice(trend.NewEmaWithPeriod[float64](26).Compute(helper.SliceToChan(closes))))
	rsi14 := lastValue(helper.ChanToSlice(momentum.NewRsiWithPeriod[float64](14).Compute(helper.SliceToChan(closes))))
	volumeSMA := lastValue(helper.ChanToSlice(trend.NewSmaWithPeriod[float64](20).Compute(helper.SliceToChan(volumes))))

	latest := candles[len(candles)-1]
	three := decimal.NewFromInt(3)
	two := decimal.NewFromInt(2)
	pivot := latest.High.Add(latest.Low).Add(latest.Close).Div(three)
	r1 := two.Mul(pivot).Sub(latest.Low)
	s1 := two.Mul(pivot).Sub(latest.High)

	return &models.IndicatorSnapshot{
		SMA20:      decimal.NewFromFloat(sma20),
		EMA12:      decimal.NewFromFloat(ema12),
		EMA26:      decimal.NewFromFloat(ema26),
		RSI14:      decimal.NewFromFloat(rsi14),
		VolumeSMA:  decimal.NewFromFloat(volumeSMA),
		Pivot:      pivot,
		Resistance: r1,
		Support:    s1,
	}, nil
}

// detectPatterns runs simple price-action pattern checks on the latest
// candle against the indicator snapshot.
func detectPatterns(candles []models.Candle, snapshot *models.IndicatorSnapshot) []string {
	var patterns []string
	if len(candles) == 0 {
		return patterns
	}

	latest := candles[len(candles)-1]

	bodySize := latest.Close.Sub(latest.Open).Abs()
	wickSize := latest.High.Sub(latest.Low)
	if wickSize.IsPositive() && bodySize.LessThan(wickSize.Mul(decimal.NewFromFloat(0.1))) {
		patterns = append(patterns, "Doji - Indecision")
	}

	upper, lower := bandLevels(candles, snapshot.SMA20)
	if latest.Close.GreaterThan(upper) {
		patterns = append(patterns, "Band Breakout - Bullish")
	} else if latest.Close.LessThan(lower) {
		patterns = append(patterns, "Band Breakout - Bearish")
	}

	if snapshot.RSI14.GreaterThan(decimal.NewFromInt(70)) {
		patterns = append(patterns, "RSI Overbought")
	} else if snapshot.RSI14.LessThan(decimal.NewFromInt(30)) {
		patterns = append(patterns, "RSI Oversold")
	}

	if snapshot.VolumeSMA.IsPositive() &&
		latest.Volume.GreaterThan(snapshot.VolumeSMA.Mul(decimal.NewFromFloat(1.5))) {
		patterns = append(patterns, "High Volume Spike")
	}

	return patterns
}

// bandLevels computes SMA20 +/- 2 standard deviations over the last 20 closes.
func bandLevels(candles []models.Candle, sma20 decimal.Decimal) (upper, lower decimal.Decimal) {
	window := candles
	if len(window) > 20 {
		window = window[len(window)-20:]
	}

	mean := sma20.InexactFloat64()
	var variance float64
	for _, candle := range window {
		diff := candle.Close.InexactFloat64() - mean
		variance += diff * diff
	}
	variance /= float64(len(window))
	stddev := decimal.NewFromFloat(2 * math.Sqrt(variance))

	return sma20.Add(stddev), sma20.Sub(stddev)
}

func lastValue(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
