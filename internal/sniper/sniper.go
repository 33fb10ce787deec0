package sniper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrow-alerts/internal/events"
	"escrow-alerts/internal/statestore"
	"escrow-alerts/internal/storage"
)

// RateProvider supplies the reference market rate for a currency.
type RateProvider interface {
	GetRate(ctx context.Context, currencyCode string) (decimal.Decimal, error)
}

// Alerts delivers one opportunity notification to one subscriber.
type Alerts interface {
	Opportunity(ctx context.Context, subscriberID string, depositID uint64, message string, edgePct, thresholdPct decimal.Decimal) error
}

// MethodInfo is the static reference-table entry for one payment verifier.
type MethodInfo struct {
	Currency string
	Platform string
}

// Options parameterise the engine.
type Options struct {
	RateScale        int64
	DefaultThreshold decimal.Decimal
	BroadcastChatID  string
	Verifiers        map[string]MethodInfo
}

// Engine decides, on every rate-bearing event, whether the observed deposit
// rate beats the market by enough to alert which subscribers. Each
// qualifying subscriber receives at most one notification per event.
type Engine struct {
	state  *statestore.Store
	subs   storage.SubscriptionLedger
	rates  RateProvider
	alerts Alerts

	rateScale        decimal.Decimal
	defaultThreshold decimal.Decimal
	broadcastChatID  string
	verifiers        map[string]MethodInfo
	logger           zerolog.Logger
}

// New constructs an Engine.
func New(state *statestore.Store, subs storage.SubscriptionLedger, rates RateProvider, alerts Alerts, opts Options, logger zerolog.Logger) *Engine {
	scale := opts.RateScale
	if scale <= 0 {
		scale = 10_000
	}
	return &Engine{
		state:            state,
		subs:             subs,
		rates:            rates,
		alerts:           alerts,
		rateScale:        decimal.NewFromInt(scale),
		defaultThreshold: opts.DefaultThreshold,
		broadcastChatID:  opts.BroadcastChatID,
		verifiers:        opts.Verifiers,
		logger:           logger.With().Str("component", "sniper").Logger(),
	}
}

// OnRateEvent evaluates one rate-bearing deposit event. Unknown currencies
// and missing market rates abort silently: neither is actionable and
// guessing from stale data produces false alerts.
func (e *Engine) OnRateEvent(ctx context.Context, ev *events.Event) {
	if ev.Rate == 0 {
		return
	}

	info, ok := e.verifiers[ev.VerifierHex()]
	if !ok || info.Currency == "" {
		e.logger.Debug().Uint64("deposit_id", ev.DepositID).
			Str("verifier", ev.VerifierHex()).Msg("verifier not in reference table, skipping")
		return
	}

	marketRate, err := e.rates.GetRate(ctx, info.Currency)
	if err != nil || marketRate.IsZero() {
		return
	}

	fact, tier := e.state.Lookup(ctx, ev.DepositID)

	depositRate := decimal.NewFromInt(int64(ev.Rate)).Div(e.rateScale)
	// Positive edge means the deposit sells below market. The sign
	// convention assumes rates quoted as local currency per USD.
	edge := marketRate.Sub(depositRate).Div(marketRate).Mul(decimal.NewFromInt(100))

	e.logger.Debug().Uint64("deposit_id", ev.DepositID).
		Str("currency", info.Currency).
		Str("deposit_rate", depositRate.String()).
		Str("market_rate", marketRate.String()).
		Str("edge_pct", edge.StringFixed(4)).
		Stringer("amount_tier", tier).
		Msg("rate event evaluated")

	candidates := e.resolveCandidates(ctx, info)
	for subscriberID, sub := range candidates {
		threshold := e.thresholdFor(ctx, subscriberID, sub)
		if edge.LessThan(threshold) {
			continue
		}

		message := renderOpportunity(ev.DepositID, fact.Amount, info, depositRate, marketRate, edge)
		if err := e.alerts.Opportunity(ctx, subscriberID, ev.DepositID, message, edge, threshold); err != nil {
			e.logger.Warn().Err(err).Str("subscriber", subscriberID).Msg("opportunity delivery failed")
		}
	}
}

// resolveCandidates builds the deduplicated candidate set: subscriptions
// matching the currency on the event's platform or "any platform", keeping
// only the most recently created subscription per subscriber, plus the
// configured broadcast subscriber.
func (e *Engine) resolveCandidates(ctx context.Context, info MethodInfo) map[string]*storage.Subscription {
	candidates := make(map[string]*storage.Subscription)

	if e.subs != nil {
		subs, err := e.subs.GetSubscriptionsForCurrency(ctx, info.Currency, info.Platform)
		if err != nil {
			e.logger.Warn().Err(err).Str("currency", info.Currency).Msg("subscription lookup failed")
		}
		for i := range subs {
			sub := subs[i]
			existing, ok := candidates[sub.SubscriberID]
			if !ok || sub.CreatedAt.After(existing.CreatedAt) {
				candidates[sub.SubscriberID] = &sub
			}
		}
	}

	if e.broadcastChatID != "" {
		if _, ok := candidates[e.broadcastChatID]; !ok {
			candidates[e.broadcastChatID] = nil
		}
	}

	return candidates
}

// thresholdFor resolves the effective threshold: the subscription's own
// override, then the subscriber's stored default, then the configured
// global default.
func (e *Engine) thresholdFor(ctx context.Context, subscriberID string, sub *storage.Subscription) decimal.Decimal {
	if sub != nil && sub.ThresholdPct != nil {
		return *sub.ThresholdPct
	}
	if e.subs != nil {
		threshold, err := e.subs.GetThreshold(ctx, subscriberID)
		if err == nil {
			return threshold
		}
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn().Err(err).Str("subscriber", subscriberID).Msg("threshold lookup failed")
		}
	}
	return e.defaultThreshold
}

func renderOpportunity(depositID uint64, amount uint64, info MethodInfo, depositRate, marketRate, edge decimal.Decimal) string {
	builder := strings.Builder{}
	builder.WriteString("[Sniper Alert]\n")
	builder.WriteString(fmt.Sprintf("Deposit: %d\n", depositID))
	builder.WriteString(fmt.Sprintf("Currency: %s", info.Currency))
	if info.Platform != "" {
		builder.WriteString(fmt.Sprintf(" (%s)", info.Platform))
	}
	builder.WriteString("\n")
	if amount > 0 {
		builder.WriteString(fmt.Sprintf("Amount: %s\n", decimal.New(int64(amount), -6).String()))
	}
	builder.WriteString(fmt.Sprintf("Deposit rate: %s\n", depositRate.StringFixed(4)))
	builder.WriteString(fmt.Sprintf("Market rate: %s\n", marketRate.StringFixed(4)))
	builder.WriteString(fmt.Sprintf("Edge: %s%% below market\n", edge.StringFixed(2)))
	return builder.String()
}
