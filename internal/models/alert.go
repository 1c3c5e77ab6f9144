package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Comparator is the comparison operator of an alert rule condition.
type Comparator string

const (
	CompareGT  Comparator = "gt"
	CompareGTE Comparator = "gte"
	CompareLT  Comparator = "lt"
	CompareLTE Comparator = "lte"
)

// Apply evaluates value against threshold with the comparator.
func (c Comparator) Apply(value, threshold decimal.Decimal) (bool, error) {
	switch c {
	case CompareGT:
		return value.GreaterThan(threshold), nil
	case CompareGTE:
		return value.GreaterThanOrEqual(threshold), nil
	case CompareLT:
		return value.LessThan(threshold), nil
	case CompareLTE:
		return value.LessThanOrEqual(threshold), nil
	default:
		return false, fmt.Errorf("unknown comparator %q", c)
	}
}

// AlertRule is an operator-defined threshold condition for one symbol.
// Rules are configuration: the pipeline never mutates them.
//
// MetricPath selects the evaluated value: "price", "volume", "change_pct"
// read from the latest market data point; "analysis.confidence" or
// "analysis.<signal>" read from the latest analysis result.
type AlertRule struct {
	ID             string          `json:"id" mapstructure:"id"`
	Symbol         string          `json:"symbol" mapstructure:"symbol"`
	MetricPath     string          `json:"metric_path" mapstructure:"metric_path"`
	Comparator     Comparator      `json:"comparator" mapstructure:"comparator"`
	Threshold      decimal.Decimal `json:"threshold" mapstructure:"-"`
	Cooldown       time.Duration   `json:"cooldown" mapstructure:"cooldown"`
	StalenessBound time.Duration   `json:"staleness_bound" mapstructure:"staleness_bound"`
	Enabled        bool            `json:"enabled" mapstructure:"enabled"`
}

// NeedsAnalysis reports whether the rule reads from the analysis result
// rather than from raw market data.
func (r *AlertRule) NeedsAnalysis() bool {
	return len(r.MetricPath) > len("analysis.") && r.MetricPath[:len("analysis.")] == "analysis."
}

// AlertState is the per-rule evaluation state owned by the alert evaluator.
// It is persisted so cooldown and tripped/armed transitions survive restarts.
// Version guards the read-modify-write cycle via compare-and-set.
type AlertState struct {
	RuleID        string          `json:"rule_id" db:"rule_id"`
	Tripped       bool            `json:"tripped" db:"tripped"`
	LastFiredAt   time.Time       `json:"last_fired_at" db:"last_fired_at"`
	LastValue     decimal.Decimal `json:"last_value" db:"last_value"`
	LastEvaluated time.Time       `json:"last_evaluated" db:"last_evaluated"`
	Version       int64           `json:"version" db:"version"`
}

// CooldownElapsed reports whether the rule's cooldown window has passed
// since the state last fired. A zero LastFiredAt means it never fired.
func (s *AlertState) CooldownElapsed(now time.Time, cooldown time.Duration) bool {
	if s.LastFiredAt.IsZero() {
		return true
	}
	return now.Sub(s.LastFiredAt) >= cooldown
}

// AlertEvent is an immutable record of a rule firing. The (RuleID, FiredAt)
// pair is the natural key for idempotent persistence.
type AlertEvent struct {
	ID        string          `json:"id" db:"id"`
	RuleID    string          `json:"rule_id" db:"rule_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	FiredAt   time.Time       `json:"fired_at" db:"fired_at"`
	Value     decimal.Decimal `json:"value" db:"value"`
	Message   string          `json:"message" db:"message"`
	Delivered bool            `json:"delivered" db:"delivered"`
}
