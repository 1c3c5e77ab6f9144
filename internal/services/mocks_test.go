package services

import (
	"context"
	"sync"
	"time"

	"github.com/coinsentry/coinsentry-go/internal/models"
	"github.com/coinsentry/coinsentry-go/internal/upstream"
)

// mockStore is an in-memory ResearchStore that records call order so
// tests can assert write-then-publish ordering.
type mockStore struct {
	mu sync.Mutex

	marketData   map[string][]models.MarketDataPoint
	analyses     map[string][]models.AnalysisResult
	events       []models.AlertEvent
	states       map[string]models.AlertState
	deliveredIDs map[string]bool

	calls []string

	insertMarketDataErr error
	previousPointErr    error
	insertAnalysisErr   error
	insertEventErr      error
	saveStateErr        error
}

func newMockStore() *mockStore {
	return &mockStore{
		marketData:   make(map[string][]models.MarketDataPoint),
		analyses:     make(map[string][]models.AnalysisResult),
		states:       make(map[string]models.AlertState),
		deliveredIDs: make(map[string]bool),
	}
}

func (m *mockStore) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockStore) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockStore) InsertMarketData(_ context.Context, point models.MarketDataPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InsertMarketData")
	if m.insertMarketDataErr != nil {
		return m.insertMarketDataErr
	}
	m.marketData[point.Symbol] = append(m.marketData[point.Symbol], point)
	return nil
}

func (m *mockStore) LatestMarketData(_ context.Context, symbol string) (*models.MarketDataPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("LatestMarketData")
	points := m.marketData[symbol]
	if len(points) == 0 {
		return nil, nil
	}
	point := points[len(points)-1]
	return &point, nil
}

func (m *mockStore) PreviousMarketData(_ context.Context, symbol string, before time.Time) (*models.MarketDataPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PreviousMarketData")
	if m.previousPointErr != nil {
		return nil, m.previousPointErr
	}
	points := m.marketData[symbol]
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].Timestamp.Before(before) {
			point := points[i]
			return &point, nil
		}
	}
	return nil, nil
}

func (m *mockStore) InsertAnalysis(_ context.Context, result models.AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InsertAnalysis")
	if m.insertAnalysisErr != nil {
		return m.insertAnalysisErr
	}
	// Idempotence on the natural key.
	for _, existing := range m.analyses[result.Symbol] {
		if existing.GeneratedAt.Equal(result.GeneratedAt) {
			return nil
		}
	}
	m.analyses[result.Symbol] = append(m.analyses[result.Symbol], result)
	return nil
}

func (m *mockStore) LatestAnalysis(_ context.Context, symbol string) (*models.AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := m.analyses[symbol]
	if len(results) == 0 {
		return nil, nil
	}
	result := results[len(results)-1]
	return &result, nil
}

func (m *mockStore) InsertAlertEvent(_ context.Context, event models.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InsertAlertEvent")
	if m.insertEventErr != nil {
		return m.insertEventErr
	}
	for _, existing := range m.events {
		if existing.RuleID == event.RuleID && existing.FiredAt.Equal(event.FiredAt) {
			return nil
		}
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockStore) SetEventDelivered(_ context.Context, eventID string, delivered bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetEventDelivered")
	m.deliveredIDs[eventID] = delivered
	return nil
}

func (m *mockStore) RecentAlertEvents(_ context.Context, limit int) ([]models.AlertEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]models.AlertEvent, len(m.events))
	copy(events, m.events)
	return events, nil
}

func (m *mockStore) LoadAlertStates(_ context.Context) (map[string]models.AlertState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("LoadAlertStates")
	states := make(map[string]models.AlertState, len(m.states))
	for id, state := range m.states {
		states[id] = state
	}
	return states, nil
}

func (m *mockStore) SaveAlertState(_ context.Context, state models.AlertState) (models.AlertState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SaveAlertState")
	if m.saveStateErr != nil {
		return state, m.saveStateErr
	}
	next := state
	next.Version = state.Version + 1
	m.states[state.RuleID] = next
	return next, nil
}

// mockSource is a scriptable upstream market source.
type mockSource struct {
	mu          sync.Mutex
	tickerCalls int
	ohlcvCalls  int
	ticker      *upstream.TickerResponse
	tickerErr   error
	ohlcv       *upstream.OHLCVResponse
	ohlcvErr    error
}

func (m *mockSource) FetchTicker(_ context.Context, symbol string) (*upstream.TickerResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickerCalls++
	if m.tickerErr != nil {
		return nil, m.tickerErr
	}
	ticker := *m.ticker
	ticker.Symbol = symbol
	return &ticker, nil
}

func (m *mockSource) FetchOHLCV(_ context.Context, symbol, timeframe string, limit int) (*upstream.OHLCVResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ohlcvCalls++
	if m.ohlcvErr != nil {
		return nil, m.ohlcvErr
	}
	if m.ohlcv != nil {
		return m.ohlcv, nil
	}
	return &upstream.OHLCVResponse{Symbol: symbol, Timeframe: timeframe}, nil
}

func (m *mockSource) TickerCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickerCalls
}

// mockGenerator is a scriptable inference backend.
type mockGenerator struct {
	mu        sync.Mutex
	calls     int
	responses []string
	errs      []error
}

func (m *mockGenerator) Generate(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	m.calls++
	if idx < len(m.errs) && m.errs[idx] != nil {
		return "", m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	if len(m.responses) > 0 {
		return m.responses[len(m.responses)-1], nil
	}
	return "", nil
}

func (m *mockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
