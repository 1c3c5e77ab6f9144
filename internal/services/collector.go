package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/coinsentry/coinsentry-go/internal/cache"
	"github.com/coinsentry/coinsentry-go/internal/errs"
	"github.com/coinsentry/coinsentry-go/internal/models"
	"github.com/coinsentry/coinsentry-go/internal/retry"
	"github.com/coinsentry/coinsentry-go/internal/store"
	"github.com/coinsentry/coinsentry-go/internal/upstream"
)

// MarketSource is the upstream data source contract the collector polls.
type MarketSource interface {
	FetchTicker(ctx context.Context, symbol string) (*upstream.TickerResponse, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) (*upstream.OHLCVResponse, error)
}

// symbolState tracks per-symbol backoff between scheduler ticks.
type symbolState struct {
	consecutiveFailures int
	nextEligibleAt      time.Time
}

// Collector polls the upstream source per symbol, normalizes the result
// and writes it through the cache adapter. A cache lease prevents two
// overlapping ticks from fetching the same symbol concurrently.
type Collector struct {
	source       MarketSource
	cache        *cache.Adapter
	store        store.ResearchStore
	logger       *logrus.Logger
	policy       retry.Policy
	pollInterval time.Duration
	leaseTTL     time.Duration
	ohlcvLimit   int
	owner        string

	mu     sync.Mutex
	states map[string]*symbolState

	now func() time.Time
}

// NewCollector creates a market data collector.
func NewCollector(source MarketSource, cacheAdapter *cache.Adapter, researchStore store.ResearchStore,
	policy retry.Policy, pollInterval time.Duration, ohlcvLimit int, logger *logrus.Logger) *Collector {
	leaseTTL := pollInterval
	if leaseTTL > 30*time.Second {
		leaseTTL = 30 * time.Second
	}
	return &Collector{
		source:       source,
		cache:        cacheAdapter,
		store:        researchStore,
		logger:       logger,
		policy:       policy,
		pollInterval: pollInterval,
		leaseTTL:     leaseTTL,
		ohlcvLimit:   ohlcvLimit,
		owner:        uuid.NewString(),
		states:       make(map[string]*symbolState),
		now:          time.Now,
	}
}

// Collect runs one collection cycle for the symbol: lease, fetch,
// normalize, cache with TTL equal to the poll interval, append durably.
// When the symbol is backing off or another worker holds the lease, the
// last cached point is served instead if it is still fresh.
func (c *Collector) Collect(ctx context.Context, symbol models.Symbol) (*models.MarketDataPoint, error) {
	now := c.now()

	if eligible := c.nextEligible(symbol.Name); now.Before(eligible) {
		c.logger.WithFields(logrus.Fields{
			"symbol":      symbol.Name,
			"eligible_at": eligible,
		}).Debug("Symbol backing off, serving cached point")
		return c.cachedOrStored(ctx, symbol.Name)
	}

	leaseKey := cache.LeaseKey("collect", symbol.Name)
	acquired, err := c.cache.AcquireLease(ctx, leaseKey, c.owner, c.leaseTTL)
	if err == nil && !acquired {
		// Another worker is fetching this symbol right now.
		point, cachedErr := c.cachedOrStored(ctx, symbol.Name)
		if cachedErr != nil || point == nil {
			return nil, fmt.Errorf("%w: %s", errs.ErrLeaseHeld, symbol.Name)
		}
		return point, nil
	}
	if acquired {
		defer c.cache.ReleaseLease(ctx, leaseKey, c.owner)
	}
	// On cache outage the lease call fails; proceed uncoordinated rather
	// than blocking the pipeline on the cache.

	ticker, err := c.source.FetchTicker(ctx, symbol.Name)
	if err != nil {
		c.recordFailure(symbol.Name)
		c.logger.WithFields(logrus.Fields{
			"symbol": symbol.Name,
			"error":  err.Error(),
		}).Warn("Upstream fetch failed")

		if point, cachedErr := c.cachedOrStored(ctx, symbol.Name); cachedErr == nil && point != nil {
			return point, nil
		}
		return nil, err
	}

	point := ticker.ToMarketDataPoint(now)
	point.Symbol = symbol.Name
	c.recordSuccess(symbol.Name)

	if data, marshalErr := json.Marshal(point); marshalErr == nil {
		c.cache.Set(ctx, cache.MarketDataKey(symbol.Name), string(data), c.pollInterval)
	}

	c.collectCandles(ctx, symbol)

	persistErr := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.store.InsertMarketData(ctx, point)
	}, nil)
	if persistErr != nil {
		// The cached point still serves this cycle; history has a gap.
		c.logger.WithFields(logrus.Fields{
			"symbol": symbol.Name,
			"error":  persistErr.Error(),
		}).Error("Failed to persist market data point")
	}

	return &point, nil
}

// collectCandles refreshes the cached OHLCV window used by the analysis
// engine. Candle fetch failures never fail the collection cycle.
func (c *Collector) collectCandles(ctx context.Context, symbol models.Symbol) {
	timeframe := symbol.Timeframe
	if timeframe == "" {
		timeframe = "1h"
	}
	ohlcv, err := c.source.FetchOHLCV(ctx, symbol.Name, timeframe, c.ohlcvLimit)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"symbol": symbol.Name,
			"error":  err.Error(),
		}).Warn("OHLCV fetch failed, analysis will reuse the cached window")
		return
	}
	if data, marshalErr := json.Marshal(ohlcv.ToCandles()); marshalErr == nil {
		c.cache.Set(ctx, cache.OHLCVKey(symbol.Name), string(data), c.pollInterval)
	}
}

// LatestPoint returns the freshest known point for the symbol: cache
// first, then the durable store, then a direct collection cycle.
func (c *Collector) LatestPoint(ctx context.Context, symbol models.Symbol) (*models.MarketDataPoint, error) {
	if point, err := c.cachedOrStored(ctx, symbol.Name); err == nil && point != nil {
		return point, nil
	}
	return c.Collect(ctx, symbol)
}

// CandleWindow returns the cached OHLCV window, fetching a fresh one on miss.
func (c *Collector) CandleWindow(ctx context.Context, symbol models.Symbol) ([]models.Candle, error) {
	if data, found, _ := c.cache.Get(ctx, cache.OHLCVKey(symbol.Name)); found {
		var candles []models.Candle
		if err := json.Unmarshal([]byte(data), &candles); err == nil {
			return candles, nil
		}
	}

	timeframe := symbol.Timeframe
	if timeframe == "" {
		timeframe = "1h"
	}
	ohlcv, err := c.source.FetchOHLCV(ctx, symbol.Name, timeframe, c.ohlcvLimit)
	if err != nil {
		return nil, err
	}
	candles := ohlcv.ToCandles()
	if data, marshalErr := json.Marshal(candles); marshalErr == nil {
		c.cache.Set(ctx, cache.OHLCVKey(symbol.Name), string(data), c.pollInterval)
	}
	return candles, nil
}

// cachedOrStored reads the latest point from the cache, falling back to
// the durable store. Returns (nil, nil) when neither has one.
func (c *Collector) cachedOrStored(ctx context.Context, symbol string) (*models.MarketDataPoint, error) {
	if data, found, _ := c.cache.Get(ctx, cache.MarketDataKey(symbol)); found {
		var point models.MarketDataPoint
		if err := json.Unmarshal([]byte(data), &point); err == nil {
			return &point, nil
		}
		c.logger.WithField("symbol", symbol).Warn("Corrupt cached market data, falling back to store")
	}
	return c.store.LatestMarketData(ctx, symbol)
}

func (c *Collector) nextEligible(symbol string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.states[symbol]; ok {
		return state.nextEligibleAt
	}
	return time.Time{}
}

func (c *Collector) recordFailure(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[symbol]
	if !ok {
		state = &symbolState{}
		c.states[symbol] = state
	}
	state.consecutiveFailures++
	state.nextEligibleAt = c.now().Add(c.policy.Delay(state.consecutiveFailures - 1))
}

func (c *Collector) recordSuccess(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.states[symbol]; ok {
		state.consecutiveFailures = 0
		state.nextEligibleAt = time.Time{}
	}
}

// FailureCount reports the consecutive upstream failures for a symbol.
func (c *Collector) FailureCount(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.states[symbol]; ok {
		return state.consecutiveFailures
	}
	return 0
}
