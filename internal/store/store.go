package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coinsentry/coinsentry-go/internal/errs"
	"github.com/coinsentry/coinsentry-go/internal/models"
)

// ErrStateConflict means the alert state changed under us: the caller's
// version no longer matches the persisted row. The evaluation cycle that
// hits this re-reads and retries on its next cycle.
var ErrStateConflict = errors.New("alert state version conflict")

// ResearchStore is the durable system of record for market data points,
// analysis results, alert events and alert state. Appends are idempotent
// under retry via natural keys.
type ResearchStore interface {
	InsertMarketData(ctx context.Context, point models.MarketDataPoint) error
	LatestMarketData(ctx context.Context, symbol string) (*models.MarketDataPoint, error)
	PreviousMarketData(ctx context.Context, symbol string, before time.Time) (*models.MarketDataPoint, error)

	InsertAnalysis(ctx context.Context, result models.AnalysisResult) error
	LatestAnalysis(ctx context.Context, symbol string) (*models.AnalysisResult, error)

	InsertAlertEvent(ctx context.Context, event models.AlertEvent) error
	SetEventDelivered(ctx context.Context, eventID string, delivered bool) error
	RecentAlertEvents(ctx context.Context, limit int) ([]models.AlertEvent, error)

	LoadAlertStates(ctx context.Context) (map[string]models.AlertState, error)
	SaveAlertState(ctx context.Context, state models.AlertState) (models.AlertState, error)
}

// Store implements ResearchStore over Postgres.
type Store struct {
	db DB
}

// New creates a store over the given database handle.
func New(db DB) *Store {
	return &Store{db: db}
}

// InsertMarketData appends a market data point. Replaying the same
// (symbol, timestamp) point is a no-op.
func (s *Store) InsertMarketData(ctx context.Context, point models.MarketDataPoint) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO market_data (symbol, price, volume, high_24h, low_24h, bid, ask, change_pct, timestamp, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (symbol, timestamp) DO NOTHING`,
		point.Symbol, point.Price, point.Volume, point.High24h, point.Low24h,
		point.Bid, point.Ask, point.ChangePct, point.Timestamp, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: market data %s: %v", errs.ErrPersistenceFailed, point.Symbol, err)
	}
	return nil
}

// LatestMarketData returns the newest point for a symbol, or nil when the
// store holds none.
func (s *Store) LatestMarketData(ctx context.Context, symbol string) (*models.MarketDataPoint, error) {
	var point models.MarketDataPoint
	err := s.db.QueryRow(ctx,
		`SELECT symbol, price, volume, high_24h, low_24h, bid, ask, change_pct, timestamp
		 FROM market_data WHERE symbol = $1 ORDER BY timestamp DESC LIMIT 1`,
		symbol).Scan(&point.Symbol, &point.Price, &point.Volume, &point.High24h,
		&point.Low24h, &point.Bid, &point.Ask, &point.ChangePct, &point.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest market data for %s: %w", symbol, err)
	}
	return &point, nil
}

// PreviousMarketData returns the newest point strictly older than before,
// used for change-percentage rules.
func (s *Store) PreviousMarketData(ctx context.Context, symbol string, before time.Time) (*models.MarketDataPoint, error) {
	var point models.MarketDataPoint
	err := s.db.QueryRow(ctx,
		`SELECT symbol, price, volume, high_24h, low_24h, bid, ask, change_pct, timestamp
		 FROM market_data WHERE symbol = $1 AND timestamp < $2 ORDER BY timestamp DESC LIMIT 1`,
		symbol, before).Scan(&point.Symbol, &point.Price, &point.Volume, &point.High24h,
		&point.Low24h, &point.Bid, &point.Ask, &point.ChangePct, &point.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query previous market data for %s: %w", symbol, err)
	}
	return &point, nil
}

// InsertAnalysis appends an analysis result. The (symbol, generated_at)
// natural key makes retried writes no-ops.
func (s *Store) InsertAnalysis(ctx context.Context, result models.AnalysisResult) error {
	signals, err := json.Marshal(result.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}
	patterns, err := json.Marshal(result.Patterns)
	if err != nil {
		return fmt.Errorf("failed to marshal patterns: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO analysis_results (symbol, generated_at, snapshot_at, summary, price_action, entry_levels, exit_levels, risk_assessment, bias, confidence, patterns, signals, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (symbol, generated_at) DO NOTHING`,
		result.Symbol, result.GeneratedAt, result.SnapshotAt, result.Summary,
		result.PriceAction, result.EntryLevels, result.ExitLevels, result.RiskAssessment,
		string(result.Bias), result.Confidence, patterns, signals, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: analysis %s: %v", errs.ErrPersistenceFailed, result.Symbol, err)
	}
	return nil
}

// LatestAnalysis returns the newest persisted analysis for a symbol, or
// nil when none exists.
func (s *Store) LatestAnalysis(ctx context.Context, symbol string) (*models.AnalysisResult, error) {
	var result models.AnalysisResult
	var bias string
	var patterns, signals []byte
	err := s.db.QueryRow(ctx,
		`SELECT symbol, generated_at, snapshot_at, summary, price_action, entry_levels, exit_levels, risk_assessment, bias, confidence, patterns, signals
		 FROM analysis_results WHERE symbol = $1 ORDER BY generated_at DESC LIMIT 1`,
		symbol).Scan(&result.Symbol, &result.GeneratedAt, &result.SnapshotAt,
		&result.Summary, &result.PriceAction, &result.EntryLevels, &result.ExitLevels,
		&result.RiskAssessment, &bias, &result.Confidence, &patterns, &signals)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest analysis for %s: %w", symbol, err)
	}

	result.Bias = models.MarketBias(bias)
	if len(patterns) > 0 {
		if err := json.Unmarshal(patterns, &result.Patterns); err != nil {
			return nil, fmt.Errorf("failed to unmarshal patterns for %s: %w", symbol, err)
		}
	}
	if len(signals) > 0 {
		if err := json.Unmarshal(signals, &result.Signals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signals for %s: %w", symbol, err)
		}
	}
	return &result, nil
}

// InsertAlertEvent archives a fired alert. The (rule_id, fired_at) natural
// key makes retried writes no-ops.
func (s *Store) InsertAlertEvent(ctx context.Context, event models.AlertEvent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO alert_events (id, rule_id, symbol, fired_at, value, message, delivered, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (rule_id, fired_at) DO NOTHING`,
		event.ID, event.RuleID, event.Symbol, event.FiredAt, event.Value,
		event.Message, event.Delivered, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: alert event %s: %v", errs.ErrPersistenceFailed, event.RuleID, err)
	}
	return nil
}

// SetEventDelivered flips the delivery marker of an archived event.
func (s *Store) SetEventDelivered(ctx context.Context, eventID string, delivered bool) error {
	_, err := s.db.Exec(ctx,
		`UPDATE alert_events SET delivered = $2 WHERE id = $1`, eventID, delivered)
	if err != nil {
		return fmt.Errorf("%w: event %s delivery marker: %v", errs.ErrPersistenceFailed, eventID, err)
	}
	return nil
}

// RecentAlertEvents lists the newest events for the operational API.
func (s *Store) RecentAlertEvents(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, rule_id, symbol, fired_at, value, message, delivered
		 FROM alert_events ORDER BY fired_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert events: %w", err)
	}
	defer rows.Close()

	var events []models.AlertEvent
	for rows.Next() {
		var event models.AlertEvent
		if err := rows.Scan(&event.ID, &event.RuleID, &event.Symbol, &event.FiredAt,
			&event.Value, &event.Message, &event.Delivered); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// LoadAlertStates reads all persisted per-rule states, keyed by rule ID.
// Called once at startup so cooldown logic is continuous across restarts.
func (s *Store) LoadAlertStates(ctx context.Context) (map[string]models.AlertState, error) {
	rows, err := s.db.Query(ctx,
		`SELECT rule_id, tripped, last_fired_at, last_value, last_evaluated, version FROM alert_states`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]models.AlertState)
	for rows.Next() {
		var state models.AlertState
		if err := rows.Scan(&state.RuleID, &state.Tripped, &state.LastFiredAt,
			&state.LastValue, &state.LastEvaluated, &state.Version); err != nil {
			return nil, fmt.Errorf("failed to scan alert state: %w", err)
		}
		states[state.RuleID] = state
	}
	return states, rows.Err()
}

// SaveAlertState persists a state transition with compare-and-set on the
// version column. A version of zero inserts a fresh row; otherwise the
// update only applies when the stored version still matches. The returned
// state carries the incremented version.
func (s *Store) SaveAlertState(ctx context.Context, state models.AlertState) (models.AlertState, error) {
	next := state
	next.Version = state.Version + 1

	if state.Version == 0 {
		tag, err := s.db.Exec(ctx,
			`INSERT INTO alert_states (rule_id, tripped, last_fired_at, last_value, last_evaluated, version)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (rule_id) DO NOTHING`,
			state.RuleID, state.Tripped, state.LastFiredAt, state.LastValue,
			state.LastEvaluated, next.Version)
		if err != nil {
			return state, fmt.Errorf("%w: alert state %s: %v", errs.ErrPersistenceFailed, state.RuleID, err)
		}
		if tag.RowsAffected() == 0 {
			return state, fmt.Errorf("%w: rule %s", ErrStateConflict, state.RuleID)
		}
		return next, nil
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE alert_states SET tripped = $2, last_fired_at = $3, last_value = $4, last_evaluated = $5, version = $6
		 WHERE rule_id = $1 AND version = $7`,
		state.RuleID, state.Tripped, state.LastFiredAt, state.LastValue,
		state.LastEvaluated, next.Version, state.Version)
	if err != nil {
		return state, fmt.Errorf("%w: alert state %s: %v", errs.ErrPersistenceFailed, state.RuleID, err)
	}
	if tag.RowsAffected() == 0 {
		return state, fmt.Errorf("%w: rule %s", ErrStateConflict, state.RuleID)
	}
	return next, nil
}
