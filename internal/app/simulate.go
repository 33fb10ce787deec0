package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"escrow-alerts/internal/events"
	"escrow-alerts/internal/notify"
	"escrow-alerts/internal/sniper"
	"escrow-alerts/internal/statestore"
	"escrow-alerts/internal/storage"
)

// staticRates answers every lookup with one fixed rate. Used by the
// simulate command to exercise the detection path without the rate API.
type staticRates struct {
	rate decimal.Decimal
}

func (s staticRates) GetRate(ctx context.Context, currencyCode string) (decimal.Decimal, error) {
	return s.rate, nil
}

// SimulateAlert runs a synthetic rate event through the full detection and
// notification pipeline. Useful for verifying Telegram delivery and the
// edge math before pointing the watcher at a live endpoint.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if opts.MarketRate.IsZero() || opts.DepositRate.IsZero() {
		return errors.New("deposit rate and market rate must both be non-zero")
	}

	channel := a.newChannel()
	if channel == nil {
		return errors.New("telegram is disabled; nothing to simulate")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	var recipients notify.Recipients
	var subs storage.SubscriptionLedger
	if store != nil {
		recipients = store
		subs = store
	}

	router := notify.NewRouter(recipients, channel, a.Config.Sniper.BroadcastChatID, a.Config.Sniper.BroadcastThread, a.Logger)

	// Fabricate a verifier entry so the synthetic event resolves to the
	// requested currency and platform.
	verifier := common.HexToHash("0x5e5e5e")
	table := map[string]sniper.MethodInfo{
		verifier.Hex(): {Currency: opts.Currency, Platform: opts.Platform},
	}

	state := statestore.New(nil, nil, a.Config.Sniper.DefaultAmount, a.Logger)
	state.Record(statestore.DepositFact{
		DepositID: opts.DepositID,
		Amount:    opts.Amount,
		Verifier:  verifier.Hex(),
	})

	scale := decimal.NewFromInt(a.Config.Sniper.RateScale)
	rawRate := opts.DepositRate.Mul(scale)
	if !rawRate.IsInteger() || rawRate.Sign() <= 0 {
		return fmt.Errorf("deposit rate %s does not fit scale %s", opts.DepositRate, scale)
	}

	engine := sniper.New(state, subs, staticRates{rate: opts.MarketRate}, router, sniper.Options{
		RateScale:        a.Config.Sniper.RateScale,
		DefaultThreshold: decimal.NewFromFloat(a.Config.Sniper.DefaultThreshold),
		BroadcastChatID:  a.Config.Sniper.BroadcastChatID,
		Verifiers:        table,
	}, a.Logger)

	ev := &events.Event{
		Kind:      events.KindDepositReceived,
		DepositID: opts.DepositID,
		Verifier:  [32]byte(verifier),
		Amount:    opts.Amount,
		Rate:      rawRate.BigInt().Uint64(),
	}

	a.Logger.Info().
		Uint64("deposit_id", opts.DepositID).
		Str("currency", opts.Currency).
		Str("deposit_rate", opts.DepositRate.String()).
		Str("market_rate", opts.MarketRate.String()).
		Msg("simulating rate event")

	engine.OnRateEvent(ctx, ev)
	return nil
}
