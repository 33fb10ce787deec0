package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrow-alerts/internal/storage"
)

// Recipients resolves subscribers and records delivery side effects.
// Satisfied by *storage.Store.
type Recipients interface {
	GetInterestedSubscribers(ctx context.Context, depositID uint64) ([]string, error)
	LogAlert(ctx context.Context, alert storage.AlertRecord) (storage.AlertRecord, error)
	UpdateStatus(ctx context.Context, subscriberID string, depositID uint64, status string) error
}

// Router fans formatted notifications out to interested subscribers. A
// delivery that changes an entity's tracked status also writes the durable
// status and an audit entry; the two writes are independent and neither
// suppresses the other.
type Router struct {
	recipients      Recipients
	channel         Channel
	broadcastChatID string
	broadcastThread string
	logger          zerolog.Logger
}

// NewRouter constructs a Router. Recipients may be nil, in which case only
// explicitly addressed sends work.
func NewRouter(recipients Recipients, channel Channel, broadcastChatID, broadcastThread string, logger zerolog.Logger) *Router {
	return &Router{
		recipients:      recipients,
		channel:         channel,
		broadcastChatID: broadcastChatID,
		broadcastThread: broadcastThread,
		logger:          logger.With().Str("component", "router").Logger(),
	}
}

// IntentCreated announces a freshly signaled order.
func (r *Router) IntentCreated(ctx context.Context, record storage.IntentRecord) {
	r.fanout(ctx, record.DepositID, "intent_created", renderIntent("Order created", record), storage.IntentStatusSignaled)
}

// IntentFulfilled announces a completed order.
func (r *Router) IntentFulfilled(ctx context.Context, record storage.IntentRecord) {
	r.fanout(ctx, record.DepositID, "intent_fulfilled", renderIntent("Order fulfilled", record), storage.IntentStatusFulfilled)
}

// IntentCancelled announces a cancelled order.
func (r *Router) IntentCancelled(ctx context.Context, record storage.IntentRecord) {
	r.fanout(ctx, record.DepositID, "intent_cancelled", renderIntent("Order cancelled", record), storage.IntentStatusPruned)
}

// Unrecognized sends the degraded notification for a log shape the decoder
// could not interpret but whose deposit id was still recoverable.
func (r *Router) Unrecognized(ctx context.Context, depositID uint64, txHash string) {
	message := fmt.Sprintf("[Escrow]\nUnrecognized event observed for deposit %d\nTx: %s\nDetails could not be decoded; check the explorer.", depositID, txHash)
	r.fanout(ctx, depositID, "unrecognized", message, "")
}

// Opportunity delivers one sniper alert to one subscriber and records it in
// the audit log. The audit write never blocks the send.
func (r *Router) Opportunity(ctx context.Context, subscriberID string, depositID uint64, message string, edgePct, thresholdPct decimal.Decimal) error {
	if r.channel == nil {
		return nil
	}

	threadRef := ""
	if subscriberID == r.broadcastChatID {
		threadRef = r.broadcastThread
	}

	sendErr := r.channel.Send(ctx, subscriberID, message, threadRef)
	if sendErr != nil {
		r.logger.Error().Err(sendErr).Str("subscriber", subscriberID).
			Uint64("deposit_id", depositID).Msg("failed to deliver opportunity alert")
	}

	if r.recipients != nil {
		record := storage.AlertRecord{
			SubscriberID: subscriberID,
			DepositID:    depositID,
			Kind:         "opportunity",
			EdgePct:      edgePct,
			ThresholdPct: thresholdPct,
			Message:      message,
		}
		if _, err := r.recipients.LogAlert(ctx, record); err != nil {
			r.logger.Error().Err(err).Str("subscriber", subscriberID).Msg("failed to audit opportunity alert")
		}
	}

	return sendErr
}

// fanout resolves watchers of a deposit and delivers to each. One
// recipient's failure never blocks the rest of the fan-out.
func (r *Router) fanout(ctx context.Context, depositID uint64, kind, message, status string) {
	if r.recipients == nil || r.channel == nil {
		return
	}

	subscribers, err := r.recipients.GetInterestedSubscribers(ctx, depositID)
	if err != nil {
		r.logger.Error().Err(err).Uint64("deposit_id", depositID).Msg("failed to resolve subscribers")
		return
	}
	if len(subscribers) == 0 {
		return
	}

	for _, subscriberID := range subscribers {
		if err := r.channel.Send(ctx, subscriberID, message, ""); err != nil {
			r.logger.Error().Err(err).Str("subscriber", subscriberID).
				Uint64("deposit_id", depositID).Str("kind", kind).Msg("delivery failed")
			continue
		}

		if status != "" {
			if err := r.recipients.UpdateStatus(ctx, subscriberID, depositID, status); err != nil {
				r.logger.Error().Err(err).Str("subscriber", subscriberID).Msg("failed to update tracked status")
			}
		}
		record := storage.AlertRecord{
			SubscriberID: subscriberID,
			DepositID:    depositID,
			Kind:         kind,
			EdgePct:      decimal.Zero,
			ThresholdPct: decimal.Zero,
			Message:      message,
		}
		if _, err := r.recipients.LogAlert(ctx, record); err != nil {
			r.logger.Error().Err(err).Str("subscriber", subscriberID).Msg("failed to audit notification")
		}
	}
}

func renderIntent(title string, record storage.IntentRecord) string {
	builder := strings.Builder{}
	builder.WriteString("[Escrow] " + title + "\n")
	builder.WriteString(fmt.Sprintf("Deposit: %d\n", record.DepositID))
	builder.WriteString(fmt.Sprintf("Intent: %s\n", shortHash(record.IntentHash)))
	if record.Amount > 0 {
		builder.WriteString(fmt.Sprintf("Amount: %s\n", formatMicro(record.Amount)))
	}
	if record.Currency != "" {
		builder.WriteString(fmt.Sprintf("Currency: %s\n", record.Currency))
	}
	if record.Counterparty != "" && record.Counterparty != "0x0000000000000000000000000000000000000000" {
		builder.WriteString(fmt.Sprintf("Counterparty: %s\n", record.Counterparty))
	}
	return builder.String()
}

func shortHash(hash string) string {
	if len(hash) <= 14 {
		return hash
	}
	return hash[:10] + "…" + hash[len(hash)-4:]
}

// formatMicro renders a micro-unit amount as a plain decimal string.
func formatMicro(amount uint64) string {
	return decimal.New(int64(amount), -6).String()
}
