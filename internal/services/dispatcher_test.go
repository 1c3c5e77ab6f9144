package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinsentry/coinsentry-go/internal/errs"
	"github.com/coinsentry/coinsentry-go/internal/models"
)

// mockSender fails the first failures calls, then succeeds.
type mockSender struct {
	mu       sync.Mutex
	calls    int
	failures int
	sent     []*bot.SendMessageParams
}

func (m *mockSender) SendMessage(_ context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return nil, errors.New("telegram unavailable")
	}
	m.sent = append(m.sent, params)
	return &tgmodels.Message{ID: m.calls}, nil
}

func (m *mockSender) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func eventFixture() models.AlertEvent {
	return models.AlertEvent{
		ID:      "9f0d8a3e-6f0e-4f6f-b2f4-3a4f6d9c1e2b",
		RuleID:  "btc-price-above-100k",
		Symbol:  "BTC/USDT",
		FiredAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Value:   decimal.RequireFromString("100250"),
		Message: "BTC/USDT price > 100000 (current: 100250)",
	}
}

func TestDispatchAlertMarksDelivered(t *testing.T) {
	sender := &mockSender{}
	st := newMockStore()
	dispatcher := NewDispatcher(sender, 12345, st, fastPolicy(), testLogger())

	event := eventFixture()
	require.NoError(t, dispatcher.DispatchAlert(context.Background(), event))

	assert.Equal(t, 1, sender.Calls())
	assert.True(t, st.deliveredIDs[event.ID])

	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Text, "BTC/USDT")
	assert.Equal(t, tgmodels.ParseModeMarkdown, sender.sent[0].ParseMode)
}

func TestDispatchAlertRetriesTransientFailure(t *testing.T) {
	sender := &mockSender{failures: 1}
	st := newMockStore()
	dispatcher := NewDispatcher(sender, 12345, st, fastPolicy(), testLogger())

	event := eventFixture()
	require.NoError(t, dispatcher.DispatchAlert(context.Background(), event))
	assert.Equal(t, 2, sender.Calls())
	assert.True(t, st.deliveredIDs[event.ID])
}

func TestDispatchAlertExhaustedLeavesEventUndelivered(t *testing.T) {
	sender := &mockSender{failures: 10}
	st := newMockStore()
	dispatcher := NewDispatcher(sender, 12345, st, fastPolicy(), testLogger())

	event := eventFixture()
	err := dispatcher.DispatchAlert(context.Background(), event)
	assert.ErrorIs(t, err, errs.ErrDeliveryFailed)
	assert.Equal(t, 2, sender.Calls(), "retry budget is the policy's attempt count")
	assert.False(t, st.deliveredIDs[event.ID], "failed delivery never marks the event")
}

func TestDispatchAlertNilSenderSkips(t *testing.T) {
	st := newMockStore()
	dispatcher := NewDispatcher(nil, 0, st, fastPolicy(), testLogger())

	require.NoError(t, dispatcher.DispatchAlert(context.Background(), eventFixture()))
	assert.Empty(t, st.Calls(), "no channel configured means no delivery bookkeeping")
}

func TestDispatchSummary(t *testing.T) {
	sender := &mockSender{}
	dispatcher := NewDispatcher(sender, 12345, newMockStore(), fastPolicy(), testLogger())

	result := models.AnalysisResult{
		Symbol:     "ETH/USDT",
		Summary:    "Consolidating under resistance.",
		Bias:       models.BiasNeutral,
		Confidence: 58,
		Patterns:   []string{"Doji - Indecision"},
	}
	require.NoError(t, dispatcher.DispatchSummary(context.Background(), result))

	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Text, "ETH/USDT")
	assert.Contains(t, sender.sent[0].Text, "Doji - Indecision")
	assert.Contains(t, sender.sent[0].Text, "58%")
}

func TestDispatchSummaryFailure(t *testing.T) {
	sender := &mockSender{failures: 10}
	dispatcher := NewDispatcher(sender, 12345, newMockStore(), fastPolicy(), testLogger())

	err := dispatcher.DispatchSummary(context.Background(), models.AnalysisResult{Symbol: "BTC/USDT"})
	assert.ErrorIs(t, err, errs.ErrDeliveryFailed)
}
