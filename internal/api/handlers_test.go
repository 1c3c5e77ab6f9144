package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/coinsentry/coinsentry-go/internal/config"
	"github.com/coinsentry/coinsentry-go/internal/models"
	"github.com/coinsentry/coinsentry-go/internal/services"
)

// fakeStore serves canned reads for the handler tests.
type fakeStore struct {
	point    *models.MarketDataPoint
	analysis *models.AnalysisResult
	events   []models.AlertEvent
	readErr  error
}

func (f *fakeStore) InsertMarketData(context.Context, models.MarketDataPoint) error { return nil }
func (f *fakeStore) LatestMarketData(context.Context, string) (*models.MarketDataPoint, error) {
	return f.point, f.readErr
}
func (f *fakeStore) PreviousMarketData(context.Context, string, time.Time) (*models.MarketDataPoint, error) {
	return nil, nil
}
func (f *fakeStore) InsertAnalysis(context.Context, models.AnalysisResult) error { return nil }
func (f *fakeStore) LatestAnalysis(context.Context, string) (*models.AnalysisResult, error) {
	return f.analysis, f.readErr
}
func (f *fakeStore) InsertAlertEvent(context.Context, models.AlertEvent) error { return nil }
func (f *fakeStore) SetEventDelivered(context.Context, string, bool) error     { return nil }
func (f *fakeStore) RecentAlertEvents(context.Context, int) ([]models.AlertEvent, error) {
	return f.events, f.readErr
}
func (f *fakeStore) LoadAlertStates(context.Context) (map[string]models.AlertState, error) {
	return map[string]models.AlertState{}, nil
}
func (f *fakeStore) SaveAlertState(_ context.Context, state models.AlertState) (models.AlertState, error) {
	return state, nil
}

type fakeChecker struct{ err error }

func (f fakeChecker) HealthCheck(context.Context) error { return f.err }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func setupRouter(store *fakeStore, checks map[string]HealthChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)

	cfg := config.PipelineConfig{PollInterval: time.Hour, TickDeadline: time.Minute, WorkerPoolSize: 1}
	orchestrator := services.NewOrchestrator(
		[]models.Symbol{{Name: "BTC/USDT", DisplayName: "Bitcoin", Timeframe: "1h"}},
		nil, nil, nil, nil, cfg, noop.NewTracerProvider().Tracer("test"), testLogger())

	handler := NewHandler(store, orchestrator, nil, nil,
		[]models.Symbol{{Name: "BTC/USDT", DisplayName: "Bitcoin", Timeframe: "1h"}},
		checks, testLogger())

	router := gin.New()
	SetupRoutes(router, handler)
	return router
}

func doRequest(router *gin.Engine, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealthAllDependenciesUp(t *testing.T) {
	router := setupRouter(&fakeStore{}, map[string]HealthChecker{
		"postgres": fakeChecker{},
		"redis":    fakeChecker{},
	})

	w := doRequest(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestHealthDegraded(t *testing.T) {
	router := setupRouter(&fakeStore{}, map[string]HealthChecker{
		"postgres": fakeChecker{},
		"redis":    fakeChecker{err: errors.New("connection refused")},
	})

	w := doRequest(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestLatestMarketData(t *testing.T) {
	store := &fakeStore{point: &models.MarketDataPoint{
		Symbol:    "BTC/USDT",
		Price:     decimal.RequireFromString("50000"),
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}}
	router := setupRouter(store, nil)

	w := doRequest(router, http.MethodGet, "/api/market?symbol=BTC%2FUSDT")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"symbol":"BTC/USDT"`)
	assert.Contains(t, w.Body.String(), "50000")
}

func TestLatestMarketDataMissingSymbolParam(t *testing.T) {
	router := setupRouter(&fakeStore{}, nil)

	w := doRequest(router, http.MethodGet, "/api/market")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLatestMarketDataUnknownSymbol(t *testing.T) {
	router := setupRouter(&fakeStore{}, nil)

	w := doRequest(router, http.MethodGet, "/api/market?symbol=DOGE%2FUSDT")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLatestMarketDataEmpty(t *testing.T) {
	router := setupRouter(&fakeStore{}, nil)

	w := doRequest(router, http.MethodGet, "/api/market?symbol=BTC%2FUSDT")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLatestMarketDataStoreError(t *testing.T) {
	router := setupRouter(&fakeStore{readErr: errors.New("database down")}, nil)

	w := doRequest(router, http.MethodGet, "/api/market?symbol=BTC%2FUSDT")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestLatestAnalysis(t *testing.T) {
	store := &fakeStore{analysis: &models.AnalysisResult{
		Symbol:     "BTC/USDT",
		Summary:    "Consolidating under resistance.",
		Bias:       models.BiasNeutral,
		Confidence: 58,
	}}
	router := setupRouter(store, nil)

	w := doRequest(router, http.MethodGet, "/api/analysis?symbol=BTC%2FUSDT")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"bias":"neutral"`)
}

func TestAlertEvents(t *testing.T) {
	store := &fakeStore{events: []models.AlertEvent{{
		ID:      "id-1",
		RuleID:  "btc-price-above-100k",
		Symbol:  "BTC/USDT",
		FiredAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Value:   decimal.RequireFromString("100250"),
	}}}
	router := setupRouter(store, nil)

	w := doRequest(router, http.MethodGet, "/api/alerts/events?limit=10")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), "btc-price-above-100k")
}

func TestAlertEventsLimitValidation(t *testing.T) {
	router := setupRouter(&fakeStore{}, nil)

	for _, limit := range []string{"0", "-1", "501", "abc"} {
		w := doRequest(router, http.MethodGet, "/api/alerts/events?limit="+limit)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
	}
}

func TestStatus(t *testing.T) {
	router := setupRouter(&fakeStore{}, nil)

	w := doRequest(router, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"symbols"`)
	assert.Contains(t, w.Body.String(), "BTC/USDT")
}
