package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coinsentry/coinsentry-go/internal/models"
	"github.com/coinsentry/coinsentry-go/internal/store"
)

// AlertEvaluator applies the configured rules to the freshest market data
// and analysis each cycle. Per-rule state is persisted with compare-and-set
// before any event is handed downstream, so a crash between firing and
// dispatch cannot double-fire after restart.
type AlertEvaluator struct {
	rules  map[string][]models.AlertRule // keyed by symbol
	store  store.ResearchStore
	logger *logrus.Logger

	mu     sync.Mutex
	states map[string]models.AlertState

	now func() time.Time
}

// NewAlertEvaluator creates an evaluator over a static rule set.
func NewAlertEvaluator(rules []models.AlertRule, researchStore store.ResearchStore, logger *logrus.Logger) *AlertEvaluator {
	bySymbol := make(map[string][]models.AlertRule)
	for _, rule := range rules {
		bySymbol[rule.Symbol] = append(bySymbol[rule.Symbol], rule)
	}
	return &AlertEvaluator{
		rules:  bySymbol,
		store:  researchStore,
		logger: logger,
		states: make(map[string]models.AlertState),
		now:    time.Now,
	}
}

// LoadStates reloads persisted rule states. Called at startup so cooldown
// windows span restarts instead of resetting.
func (e *AlertEvaluator) LoadStates(ctx context.Context) error {
	states, err := e.store.LoadAlertStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alert states: %w", err)
	}
	e.mu.Lock()
	e.states = states
	e.mu.Unlock()
	e.logger.WithField("count", len(states)).Info("Alert states reloaded")
	return nil
}

// EvaluateSymbol runs one evaluation cycle for every enabled rule on the
// symbol. A nil analysis means the engine produced nothing this cycle;
// analysis-dependent rules are skipped, never treated as condition-false.
// Returned events are already persisted and ready for dispatch.
func (e *AlertEvaluator) EvaluateSymbol(ctx context.Context, symbol string,
	point *models.MarketDataPoint, analysis *models.AnalysisResult) []models.AlertEvent {

	var fired []models.AlertEvent
	now := e.now()

	for _, rule := range e.rules[symbol] {
		if !rule.Enabled {
			continue
		}

		value, ok := e.resolveMetric(ctx, rule, point, analysis, now)
		if !ok {
			// No data or stale data: skip, don't evaluate against garbage.
			continue
		}

		met, err := rule.Comparator.Apply(value, rule.Threshold)
		if err != nil {
			e.logger.WithFields(logrus.Fields{"rule": rule.ID, "error": err.Error()}).
				Error("Rule condition evaluation failed")
			continue
		}

		if event := e.transition(ctx, rule, value, met, now); event != nil {
			fired = append(fired, *event)
		}
	}

	return fired
}

// transition applies one state transition for the rule and persists it.
// Only a newly-tripped rule with an elapsed cooldown produces an event.
func (e *AlertEvaluator) transition(ctx context.Context, rule models.AlertRule,
	value decimal.Decimal, met bool, now time.Time) *models.AlertEvent {

	e.mu.Lock()
	state := e.states[rule.ID]
	e.mu.Unlock()
	state.RuleID = rule.ID

	fires := met && !state.Tripped && state.CooldownElapsed(now, rule.Cooldown)

	state.Tripped = met
	state.LastValue = value
	state.LastEvaluated = now
	if fires {
		state.LastFiredAt = now
	}

	saved, err := e.store.SaveAlertState(ctx, state)
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			// Another instance advanced the state; drop our transition and
			// resync so the next cycle works from the current version.
			e.logger.WithField("rule", rule.ID).Warn("Alert state conflict, resyncing")
			e.resyncState(ctx, rule.ID)
			return nil
		}
		e.logger.WithFields(logrus.Fields{"rule": rule.ID, "error": err.Error()}).
			Error("Failed to persist alert state, suppressing event this cycle")
		return nil
	}

	e.mu.Lock()
	e.states[rule.ID] = saved
	e.mu.Unlock()

	if !fires {
		return nil
	}

	event := models.AlertEvent{
		ID:      uuid.NewString(),
		RuleID:  rule.ID,
		Symbol:  rule.Symbol,
		FiredAt: now.UTC(),
		Value:   value,
		Message: formatAlertMessage(rule, value),
	}

	// Archive before dispatch; an event that cannot be persisted is not
	// allowed to reach the notification channel.
	if err := e.store.InsertAlertEvent(ctx, event); err != nil {
		e.logger.WithFields(logrus.Fields{"rule": rule.ID, "error": err.Error()}).
			Error("Failed to archive alert event, suppressing dispatch")
		return nil
	}

	e.logger.WithFields(logrus.Fields{
		"rule":   rule.ID,
		"symbol": rule.Symbol,
		"value":  value.String(),
	}).Info("Alert fired")

	return &event
}

// resolveMetric reads the rule's metric path from the given inputs,
// reporting ok=false when the required input is missing or stale.
func (e *AlertEvaluator) resolveMetric(ctx context.Context, rule models.AlertRule, point *models.MarketDataPoint,
	analysis *models.AnalysisResult, now time.Time) (decimal.Decimal, bool) {

	if rule.NeedsAnalysis() {
		if analysis == nil || analysis.Stale(now, rule.StalenessBound) {
			return decimal.Zero, false
		}
		field := strings.TrimPrefix(rule.MetricPath, "analysis.")
		if field == "confidence" {
			return decimal.NewFromInt(int64(analysis.Confidence)), true
		}
		raw, ok := analysis.Signal(field)
		if !ok {
			return decimal.Zero, false
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			e.logger.WithFields(logrus.Fields{"rule": rule.ID, "signal": field}).
				Warn("Non-numeric analysis signal for rule")
			return decimal.Zero, false
		}
		return value, true
	}

	if point == nil || point.Stale(now, rule.StalenessBound) {
		return decimal.Zero, false
	}
	switch rule.MetricPath {
	case "price":
		return point.Price, true
	case "volume":
		return point.Volume, true
	case "change_pct":
		return e.changeFromPrevious(ctx, rule, point)
	default:
		e.logger.WithFields(logrus.Fields{"rule": rule.ID, "metric": rule.MetricPath}).
			Warn("Unknown metric path")
		return decimal.Zero, false
	}
}

// changeFromPrevious computes the percentage move of the current point
// against the last persisted point before it. The upstream ticker carries
// its own rolling 24h change figure; change rules deliberately ignore it
// and measure movement between consecutive observed points instead.
func (e *AlertEvaluator) changeFromPrevious(ctx context.Context, rule models.AlertRule,
	point *models.MarketDataPoint) (decimal.Decimal, bool) {

	previous, err := e.store.PreviousMarketData(ctx, point.Symbol, point.Timestamp)
	if err != nil {
		e.logger.WithFields(logrus.Fields{"rule": rule.ID, "error": err.Error()}).
			Warn("Previous point lookup failed, skipping change rule")
		return decimal.Zero, false
	}
	if previous == nil || previous.Price.IsZero() {
		// First observation for the symbol; nothing to compare against.
		return decimal.Zero, false
	}
	change := point.Price.Sub(previous.Price).Div(previous.Price).Mul(decimal.NewFromInt(100))
	return change, true
}

func (e *AlertEvaluator) resyncState(ctx context.Context, ruleID string) {
	states, err := e.store.LoadAlertStates(ctx)
	if err != nil {
		e.logger.WithField("error", err.Error()).Warn("Alert state resync failed")
		return
	}
	if current, ok := states[ruleID]; ok {
		e.mu.Lock()
		e.states[ruleID] = current
		e.mu.Unlock()
	}
}

// State returns the in-memory state for a rule.
func (e *AlertEvaluator) State(ruleID string) (models.AlertState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[ruleID]
	return state, ok
}

// Rules returns the rules configured for a symbol.
func (e *AlertEvaluator) Rules(symbol string) []models.AlertRule {
	return e.rules[symbol]
}

func formatAlertMessage(rule models.AlertRule, value decimal.Decimal) string {
	comparator := map[models.Comparator]string{
		models.CompareGT:  ">",
		models.CompareGTE: ">=",
		models.CompareLT:  "<",
		models.CompareLTE: "<=",
	}[rule.Comparator]
	return fmt.Sprintf("%s %s %s %s (current: %s)",
		rule.Symbol, rule.MetricPath, comparator, rule.Threshold.String(), value.String())
}
