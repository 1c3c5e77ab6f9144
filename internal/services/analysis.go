package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coinsentry/coinsentry-go/internal/cache"
	"github.com/coinsentry/coinsentry-go/internal/errs"
	"github.com/coinsentry/coinsentry-go/internal/inference"
	"github.com/coinsentry/coinsentry-go/internal/models"
	"github.com/coinsentry/coinsentry-go/internal/retry"
	"github.com/coinsentry/coinsentry-go/internal/store"
)

// Generator is the inference service contract.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// llmAnalysis is the structured payload the model is asked to return.
type llmAnalysis struct {
	TechnicalSummary string      `json:"technical_summary"`
	PriceAction      string      `json:"price_action"`
	EntryLevels      string      `json:"entry_levels"`
	ExitLevels       string      `json:"exit_levels"`
	RiskAssessment   string      `json:"risk_assessment"`
	Confidence       interface{} `json:"confidence"`
	Bias             string      `json:"bias"`
}

// AnalysisEngine produces research summaries from cached market data.
// Results are persisted before they are handed downstream; a cycle that
// cannot produce a valid, persisted result reports ErrAnalysisUnavailable.
type AnalysisEngine struct {
	collector      *Collector
	generator      Generator
	cache          *cache.Adapter
	store          store.ResearchStore
	breaker        *CircuitBreaker
	logger         *logrus.Logger
	policy         retry.Policy
	stalenessBound time.Duration
	cacheTTL       time.Duration

	now func() time.Time
}

// NewAnalysisEngine creates an analysis engine. The breaker guards the
// inference call; one transient retry is allowed inside it.
func NewAnalysisEngine(collector *Collector, generator Generator, cacheAdapter *cache.Adapter,
	researchStore store.ResearchStore, breaker *CircuitBreaker, policy retry.Policy,
	stalenessBound, cacheTTL time.Duration, logger *logrus.Logger) *AnalysisEngine {
	return &AnalysisEngine{
		collector:      collector,
		generator:      generator,
		cache:          cacheAdapter,
		store:          researchStore,
		breaker:        breaker,
		logger:         logger,
		policy:         policy,
		stalenessBound: stalenessBound,
		cacheTTL:       cacheTTL,
		now:            time.Now,
	}
}

// Analyze produces the current analysis for a symbol. A cached result
// within its TTL is served without touching the inference service.
func (e *AnalysisEngine) Analyze(ctx context.Context, symbol models.Symbol) (*models.AnalysisResult, error) {
	if cached := e.cachedAnalysis(ctx, symbol.Name); cached != nil {
		return cached, nil
	}

	point, err := e.collector.LatestPoint(ctx, symbol)
	if err != nil || point == nil {
		return nil, fmt.Errorf("%w: no market data for %s", errs.ErrAnalysisUnavailable, symbol.Name)
	}
	now := e.now()
	if point.Stale(now, e.stalenessBound) {
		// Never analyze stale input; force a fresh collection cycle.
		point, err = e.collector.Collect(ctx, symbol)
		if err != nil || point == nil {
			return nil, fmt.Errorf("%w: market data for %s is stale and refresh failed", errs.ErrAnalysisUnavailable, symbol.Name)
		}
		if point.Stale(e.now(), e.stalenessBound) {
			return nil, fmt.Errorf("%w: market data for %s is stale", errs.ErrAnalysisUnavailable, symbol.Name)
		}
	}

	candles, err := e.collector.CandleWindow(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: no candle window for %s: %v", errs.ErrAnalysisUnavailable, symbol.Name, err)
	}
	snapshot, err := computeIndicators(candles)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAnalysisUnavailable, err)
	}
	patterns := detectPatterns(candles, snapshot)

	prompt := buildPrompt(symbol, point, snapshot, patterns)

	var raw string
	inferErr := e.breaker.Execute(ctx, func(ctx context.Context) error {
		return e.inferencePolicy().Do(ctx, func(ctx context.Context) error {
			var genErr error
			raw, genErr = e.generator.Generate(ctx, prompt)
			return genErr
		}, inference.IsTransient)
	})
	if inferErr != nil {
		e.logger.WithFields(logrus.Fields{
			"symbol": symbol.Name,
			"error":  inferErr.Error(),
		}).Warn("Inference call failed")
		return nil, fmt.Errorf("%w: %v", errs.ErrAnalysisUnavailable, inferErr)
	}

	parsed, err := parseAnalysisResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAnalysisUnavailable, err)
	}

	result := e.buildResult(symbol.Name, point, snapshot, patterns, parsed)

	// Write-then-publish: the result must be durable before anything
	// downstream can reference it.
	persistErr := e.policy.Do(ctx, func(ctx context.Context) error {
		return e.store.InsertAnalysis(ctx, *result)
	}, nil)
	if persistErr != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAnalysisUnavailable, persistErr)
	}

	if data, marshalErr := json.Marshal(result); marshalErr == nil {
		e.cache.Set(ctx, cache.AnalysisKey(symbol.Name), string(data), e.cacheTTL)
	}

	e.logger.WithFields(logrus.Fields{
		"symbol":     symbol.Name,
		"bias":       result.Bias,
		"confidence": result.Confidence,
		"patterns":   len(result.Patterns),
	}).Info("Analysis generated")

	return result, nil
}

// inferencePolicy allows exactly one retry on transient failures.
func (e *AnalysisEngine) inferencePolicy() retry.Policy {
	p := e.policy
	p.MaxAttempts = 2
	return p
}

func (e *AnalysisEngine) cachedAnalysis(ctx context.Context, symbol string) *models.AnalysisResult {
	data, found, _ := e.cache.Get(ctx, cache.AnalysisKey(symbol))
	if !found {
		return nil
	}
	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		e.logger.WithField("symbol", symbol).Warn("Corrupt cached analysis, regenerating")
		return nil
	}
	return &result
}

func (e *AnalysisEngine) buildResult(symbol string, point *models.MarketDataPoint,
	snapshot *models.IndicatorSnapshot, patterns []string, parsed *llmAnalysis) *models.AnalysisResult {
	confidence := parseConfidence(parsed.Confidence)

	return &models.AnalysisResult{
		Symbol:         symbol,
		GeneratedAt:    e.now().UTC(),
		SnapshotAt:     point.Timestamp,
		Summary:        parsed.TechnicalSummary,
		PriceAction:    parsed.PriceAction,
		EntryLevels:    parsed.EntryLevels,
		ExitLevels:     parsed.ExitLevels,
		RiskAssessment: parsed.RiskAssessment,
		Bias:           models.MarketBias(strings.ToLower(parsed.Bias)),
		Confidence:     confidence,
		Patterns:       patterns,
		Signals: map[string]string{
			"price":      point.Price.String(),
			"rsi_14":     snapshot.RSI14.StringFixed(2),
			"sma_20":     snapshot.SMA20.StringFixed(4),
			"ema_12":     snapshot.EMA12.StringFixed(4),
			"ema_26":     snapshot.EMA26.StringFixed(4),
			"pivot":      snapshot.Pivot.StringFixed(4),
			"r1":         snapshot.Resistance.StringFixed(4),
			"s1":         snapshot.Support.StringFixed(4),
			"bias":       strings.ToLower(parsed.Bias),
			"confidence": strconv.Itoa(confidence),
		},
	}
}

// buildPrompt renders the analysis prompt from the snapshot.
func buildPrompt(symbol models.Symbol, point *models.MarketDataPoint,
	snapshot *models.IndicatorSnapshot, patterns []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert cryptocurrency trader analyzing %s.\n\n", symbol.Name)
	fmt.Fprintf(&b, "Current Market Data:\n")
	fmt.Fprintf(&b, "- Price: $%s\n", point.Price.StringFixed(2))
	fmt.Fprintf(&b, "- 24h Change: %s%%\n", point.ChangePct.StringFixed(2))
	fmt.Fprintf(&b, "- RSI: %s\n", snapshot.RSI14.StringFixed(1))
	fmt.Fprintf(&b, "- Volume: %s\n\n", point.Volume.StringFixed(0))
	if len(patterns) > 0 {
		fmt.Fprintf(&b, "Detected Patterns: %s\n\n", strings.Join(patterns, ", "))
	}
	fmt.Fprintf(&b, "Technical Levels:\n")
	fmt.Fprintf(&b, "- Resistance (R1): $%s\n", snapshot.Resistance.StringFixed(2))
	fmt.Fprintf(&b, "- Support (S1): $%s\n", snapshot.Support.StringFixed(2))
	fmt.Fprintf(&b, "- SMA20: $%s\n", snapshot.SMA20.StringFixed(2))
	fmt.Fprintf(&b, "- EMA12/EMA26: $%s / $%s\n\n", snapshot.EMA12.StringFixed(2), snapshot.EMA26.StringFixed(2))
	b.WriteString(`Provide analysis in this JSON format:
{
    "technical_summary": "Brief technical analysis",
    "price_action": "Current price action description",
    "entry_levels": "Suggested entry levels",
    "exit_levels": "Suggested exit levels",
    "risk_assessment": "Risk analysis",
    "confidence": "Confidence level 1-100",
    "bias": "bullish/bearish/neutral"
}`)
	return b.String()
}

// parseAnalysisResponse extracts the first JSON object from the model
// output and validates the required fields.
func parseAnalysisResponse(raw string) (*llmAnalysis, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, errs.NewValidationError("no JSON object in inference response")
	}

	var parsed llmAnalysis
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, errs.NewValidationErrorf("malformed analysis JSON: %v", err)
	}

	if strings.TrimSpace(parsed.TechnicalSummary) == "" {
		return nil, errs.NewValidationError("analysis missing technical_summary")
	}
	if !models.MarketBias(strings.ToLower(parsed.Bias)).Valid() {
		return nil, errs.NewValidationErrorf("analysis has invalid bias %q", parsed.Bias)
	}
	confidence := parseConfidence(parsed.Confidence)
	if confidence < 1 || confidence > 100 {
		return nil, errs.NewValidationErrorf("analysis confidence %d out of range", confidence)
	}
	return &parsed, nil
}

// parseConfidence coerces the model's confidence field, which arrives as
// either a number or a numeric string.
func parseConfidence(v interface{}) int {
	switch value := v.(type) {
	case float64:
		return int(value)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return int(f)
		}
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}
