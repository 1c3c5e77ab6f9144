package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"github.com/coinsentry/coinsentry-go/internal/errs"
	"github.com/coinsentry/coinsentry-go/internal/models"
	"github.com/coinsentry/coinsentry-go/internal/retry"
	"github.com/coinsentry/coinsentry-go/internal/store"
)

// Sender is the messaging channel contract. *bot.Bot satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// Dispatcher delivers alert events and analysis summaries to the
// messaging channel. Delivery failure never rolls back the persisted
// event; after the retry budget the event simply stays marked undelivered.
type Dispatcher struct {
	sender Sender
	chatID int64
	store  store.ResearchStore
	policy retry.Policy
	logger *logrus.Logger
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(sender Sender, chatID int64, researchStore store.ResearchStore,
	policy retry.Policy, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		chatID: chatID,
		store:  researchStore,
		policy: policy,
		logger: logger,
	}
}

// DispatchAlert delivers a fired alert event, retrying transient failures.
func (d *Dispatcher) DispatchAlert(ctx context.Context, event models.AlertEvent) error {
	if d.sender == nil {
		d.logger.Debug("No messaging channel configured, skipping dispatch")
		return nil
	}

	message := formatAlertNotification(event)
	err := d.policy.Do(ctx, func(ctx context.Context) error {
		_, sendErr := d.sender.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    d.chatID,
			Text:      message,
			ParseMode: tgmodels.ParseModeMarkdown,
		})
		return sendErr
	}, nil)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"rule":  event.RuleID,
			"error": err.Error(),
		}).Error("Alert delivery exhausted retries, event stays undelivered")
		return fmt.Errorf("%w: %v", errs.ErrDeliveryFailed, err)
	}

	if markErr := d.store.SetEventDelivered(ctx, event.ID, true); markErr != nil {
		// The notification went out; the marker catches up on inspection.
		d.logger.WithFields(logrus.Fields{
			"event": event.ID,
			"error": markErr.Error(),
		}).Warn("Failed to mark event delivered")
	}

	d.logger.WithFields(logrus.Fields{
		"rule":   event.RuleID,
		"symbol": event.Symbol,
	}).Info("Alert delivered")
	return nil
}

// DispatchSummary delivers an on-demand analysis summary.
func (d *Dispatcher) DispatchSummary(ctx context.Context, result models.AnalysisResult) error {
	if d.sender == nil {
		return nil
	}

	message := formatSummaryNotification(result)
	err := d.policy.Do(ctx, func(ctx context.Context) error {
		_, sendErr := d.sender.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    d.chatID,
			Text:      message,
			ParseMode: tgmodels.ParseModeMarkdown,
		})
		return sendErr
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDeliveryFailed, err)
	}
	return nil
}

func formatAlertNotification(event models.AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *Alert: %s*\n\n", event.Symbol)
	fmt.Fprintf(&b, "📊 %s\n", event.Message)
	fmt.Fprintf(&b, "⏰ %s\n", event.FiredAt.Format("2006-01-02 15:04:05 MST"))
	return b.String()
}

func formatSummaryNotification(result models.AnalysisResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 *Analysis: %s*\n\n", result.Symbol)
	fmt.Fprintf(&b, "📊 %s\n\n", result.Summary)
	fmt.Fprintf(&b, "📈 *Price Action:* %s\n", result.PriceAction)
	fmt.Fprintf(&b, "🎯 *Entry:* %s\n", result.EntryLevels)
	fmt.Fprintf(&b, "🛑 *Exit:* %s\n", result.ExitLevels)
	fmt.Fprintf(&b, "⚖️ *Risk:* %s\n", result.RiskAssessment)
	if len(result.Patterns) > 0 {
		fmt.Fprintf(&b, "🔍 *Patterns:* %s\n", strings.Join(result.Patterns, ", "))
	}
	fmt.Fprintf(&b, "\n*Bias:* %s | *Confidence:* %d%%", result.Bias, result.Confidence)
	return b.String()
}
