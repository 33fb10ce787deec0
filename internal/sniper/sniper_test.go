package sniper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrow-alerts/internal/events"
	"escrow-alerts/internal/statestore"
	"escrow-alerts/internal/storage"
)

type fakeRates struct {
	rate decimal.Decimal
	err  error
}

func (f fakeRates) GetRate(ctx context.Context, currencyCode string) (decimal.Decimal, error) {
	return f.rate, f.err
}

type fakeSubs struct {
	subs      []storage.Subscription
	threshold map[string]decimal.Decimal
}

func (f *fakeSubs) GetInterestedSubscribers(ctx context.Context, depositID uint64) ([]string, error) {
	return nil, nil
}

func (f *fakeSubs) GetSubscriptionsForCurrency(ctx context.Context, currency, platform string) ([]storage.Subscription, error) {
	return f.subs, nil
}

func (f *fakeSubs) GetThreshold(ctx context.Context, subscriberID string) (decimal.Decimal, error) {
	if t, ok := f.threshold[subscriberID]; ok {
		return t, nil
	}
	return decimal.Zero, storage.ErrNotFound
}

type capturedAlert struct {
	SubscriberID string
	DepositID    uint64
	Message      string
	EdgePct      decimal.Decimal
	ThresholdPct decimal.Decimal
}

type fakeAlerts struct {
	mu    sync.Mutex
	calls []capturedAlert
}

func (f *fakeAlerts) Opportunity(ctx context.Context, subscriberID string, depositID uint64, message string, edgePct, thresholdPct decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, capturedAlert{subscriberID, depositID, message, edgePct, thresholdPct})
	return nil
}

func (f *fakeAlerts) byID(id string) (capturedAlert, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if call.SubscriberID == id {
			return call, true
		}
	}
	return capturedAlert{}, false
}

var testVerifier = common.HexToHash("0xabc123")

func newTestEngine(t *testing.T, subs storage.SubscriptionLedger, rates RateProvider, alerts Alerts, defaultThreshold float64) *Engine {
	t.Helper()
	state := statestore.New(nil, nil, 0, zerolog.Nop())
	state.Record(statestore.DepositFact{DepositID: 1, Amount: 10_000_000})
	return New(state, subs, rates, alerts, Options{
		RateScale:        10_000,
		DefaultThreshold: decimal.NewFromFloat(defaultThreshold),
		BroadcastChatID:  "broadcast",
		Verifiers: map[string]MethodInfo{
			testVerifier.Hex(): {Currency: "EUR", Platform: "revolut"},
		},
	}, zerolog.Nop())
}

func rateEvent(rate uint64) *events.Event {
	return &events.Event{
		Kind:      events.KindDepositReceived,
		DepositID: 1,
		Verifier:  [32]byte(testVerifier),
		Amount:    10_000_000,
		Rate:      rate,
	}
}

func TestEngineEdgeMathAndBoundary(t *testing.T) {
	// Deposit rate 0.90 against market 0.95 is roughly a 5.26% edge.
	alerts := &fakeAlerts{}
	engine := newTestEngine(t, &fakeSubs{}, fakeRates{rate: decimal.NewFromFloat(0.95)}, alerts, 5)

	engine.OnRateEvent(context.Background(), rateEvent(9000))

	call, ok := alerts.byID("broadcast")
	if !ok {
		t.Fatal("edge above threshold should alert the broadcast subscriber")
	}
	if call.EdgePct.StringFixed(2) != "5.26" {
		t.Fatalf("edge = %s, want 5.26", call.EdgePct.StringFixed(2))
	}

	// Threshold 6 excludes the same event.
	alerts = &fakeAlerts{}
	engine = newTestEngine(t, &fakeSubs{}, fakeRates{rate: decimal.NewFromFloat(0.95)}, alerts, 6)
	engine.OnRateEvent(context.Background(), rateEvent(9000))
	if len(alerts.calls) != 0 {
		t.Fatalf("edge below threshold alerted: %+v", alerts.calls)
	}
}

func TestEngineThresholdBoundaryInclusive(t *testing.T) {
	// Market 1.00, deposit 0.95 gives exactly a 5% edge.
	alerts := &fakeAlerts{}
	engine := newTestEngine(t, &fakeSubs{}, fakeRates{rate: decimal.NewFromInt(1)}, alerts, 5)

	engine.OnRateEvent(context.Background(), rateEvent(9500))

	if _, ok := alerts.byID("broadcast"); !ok {
		t.Fatal("edge equal to threshold should alert")
	}
}

func TestEngineUnknownVerifierAborts(t *testing.T) {
	alerts := &fakeAlerts{}
	engine := newTestEngine(t, &fakeSubs{}, fakeRates{rate: decimal.NewFromInt(1)}, alerts, 0)

	ev := rateEvent(9000)
	ev.Verifier = [32]byte(common.HexToHash("0xffff"))
	engine.OnRateEvent(context.Background(), ev)

	if len(alerts.calls) != 0 {
		t.Fatalf("unknown verifier should not alert: %+v", alerts.calls)
	}
}

func TestEngineZeroRateAborts(t *testing.T) {
	alerts := &fakeAlerts{}
	engine := newTestEngine(t, &fakeSubs{}, fakeRates{rate: decimal.NewFromInt(1)}, alerts, 0)

	engine.OnRateEvent(context.Background(), rateEvent(0))

	if len(alerts.calls) != 0 {
		t.Fatalf("zero rate should not alert: %+v", alerts.calls)
	}
}

func TestEngineMarketRateMissingAborts(t *testing.T) {
	alerts := &fakeAlerts{}
	engine := newTestEngine(t, &fakeSubs{}, fakeRates{rate: decimal.Zero}, alerts, 0)

	engine.OnRateEvent(context.Background(), rateEvent(9000))

	if len(alerts.calls) != 0 {
		t.Fatalf("missing market rate should not alert: %+v", alerts.calls)
	}
}

func TestEngineDedupKeepsNewestSubscription(t *testing.T) {
	highThreshold := decimal.NewFromInt(50)
	lowThreshold := decimal.NewFromInt(1)
	subs := &fakeSubs{subs: []storage.Subscription{
		{SubscriberID: "alice", ThresholdPct: &highThreshold, CreatedAt: time.Now().Add(-time.Hour)},
		{SubscriberID: "alice", ThresholdPct: &lowThreshold, CreatedAt: time.Now()},
	}}

	alerts := &fakeAlerts{}
	engine := newTestEngine(t, subs, fakeRates{rate: decimal.NewFromFloat(0.95)}, alerts, 50)

	engine.OnRateEvent(context.Background(), rateEvent(9000))

	call, ok := alerts.byID("alice")
	if !ok {
		t.Fatal("newest subscription's low threshold should win and alert")
	}
	if !call.ThresholdPct.Equal(lowThreshold) {
		t.Fatalf("threshold = %s, want the newest subscription's override", call.ThresholdPct)
	}
}

func TestEngineSubscriberThresholdFallback(t *testing.T) {
	subs := &fakeSubs{
		subs:      []storage.Subscription{{SubscriberID: "bob", CreatedAt: time.Now()}},
		threshold: map[string]decimal.Decimal{"bob": decimal.NewFromInt(2)},
	}

	alerts := &fakeAlerts{}
	engine := newTestEngine(t, subs, fakeRates{rate: decimal.NewFromFloat(0.95)}, alerts, 50)

	engine.OnRateEvent(context.Background(), rateEvent(9000))

	call, ok := alerts.byID("bob")
	if !ok {
		t.Fatal("stored per-subscriber threshold should apply when the subscription has no override")
	}
	if !call.ThresholdPct.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("threshold = %s, want 2", call.ThresholdPct)
	}
	if _, ok := alerts.byID("broadcast"); ok {
		t.Fatal("broadcast keeps the 50% default and should not alert here")
	}
}
