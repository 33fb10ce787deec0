package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrow-alerts/internal/chain"
	"escrow-alerts/internal/events"
	"escrow-alerts/internal/storage"
)

type recordedOutcomes struct {
	mu        sync.Mutex
	created   []storage.IntentRecord
	fulfilled []storage.IntentRecord
	cancelled []storage.IntentRecord
}

func (r *recordedOutcomes) IntentCreated(ctx context.Context, record storage.IntentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, record)
}

func (r *recordedOutcomes) IntentFulfilled(ctx context.Context, record storage.IntentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fulfilled = append(r.fulfilled, record)
}

func (r *recordedOutcomes) IntentCancelled(ctx context.Context, record storage.IntentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, record)
}

func (r *recordedOutcomes) snapshot() (created, fulfilled, cancelled []storage.IntentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.IntentRecord{}, r.created...),
		append([]storage.IntentRecord{}, r.fulfilled...),
		append([]storage.IntentRecord{}, r.cancelled...)
}

type memIntentLedger struct {
	mu       sync.Mutex
	records  map[string]storage.IntentRecord
	statuses map[string][]string
}

func newMemIntentLedger() *memIntentLedger {
	return &memIntentLedger{records: map[string]storage.IntentRecord{}, statuses: map[string][]string{}}
}

func (m *memIntentLedger) StoreIntentRecord(ctx context.Context, record storage.IntentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.IntentHash] = record
	return nil
}

func (m *memIntentLedger) GetIntentRecord(ctx context.Context, intentHash string) (storage.IntentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[intentHash]
	if !ok {
		return storage.IntentRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (m *memIntentLedger) SetIntentStatus(ctx context.Context, intentHash, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[intentHash] = append(m.statuses[intentHash], status)
	return nil
}

func (m *memIntentLedger) ListRecentIntents(ctx context.Context, limit int) ([]storage.IntentRecord, error) {
	return nil, nil
}

func (m *memIntentLedger) statusWrites(intentHash string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.statuses[intentHash]...)
}

type intentSource struct {
	records map[common.Hash]storage.IntentRecord
}

func (s *intentSource) GetDepositAmount(ctx context.Context, depositID uint64) (uint64, error) {
	return 0, chain.ErrNotFound
}

func (s *intentSource) GetDepositRecord(ctx context.Context, depositID uint64) (storage.DepositRecord, error) {
	return storage.DepositRecord{}, chain.ErrNotFound
}

func (s *intentSource) GetIntentRecord(ctx context.Context, intentHash common.Hash) (storage.IntentRecord, error) {
	record, ok := s.records[intentHash]
	if !ok {
		return storage.IntentRecord{}, chain.ErrNotFound
	}
	return record, nil
}

var (
	txA    = common.HexToHash("0xa1")
	hashX  = common.HexToHash("0x11")
	hashY  = common.HexToHash("0x22")
	caddr  = common.HexToAddress("0x4444444444444444444444444444444444444444")
	drainC = func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
)

func signaledEvent(tx, intent common.Hash) *events.Event {
	return &events.Event{
		Kind:         events.KindIntentSignaled,
		TxHash:       tx,
		IntentHash:   intent,
		DepositID:    10,
		Counterparty: caddr,
		Amount:       500,
		Rate:         9200,
		Currency:     "EUR",
	}
}

func TestSignaledEmitsImmediately(t *testing.T) {
	outcomes := &recordedOutcomes{}
	ledger := newMemIntentLedger()
	corr := New(ledger, nil, outcomes, time.Hour, zerolog.Nop())

	corr.OnSignaled(context.Background(), signaledEvent(txA, hashX))

	created, _, _ := outcomes.snapshot()
	require.Len(t, created, 1, "creation must not wait for the settle window")
	assert.Equal(t, hashX.Hex(), created[0].IntentHash)
	assert.Equal(t, "EUR", created[0].Currency)
	assert.Equal(t, storage.IntentStatusSignaled, created[0].Status)
}

func TestFulfillmentWinsOverPrune(t *testing.T) {
	outcomes := &recordedOutcomes{}
	ledger := newMemIntentLedger()
	corr := New(ledger, nil, outcomes, 20*time.Millisecond, zerolog.Nop())

	ctx := context.Background()
	corr.OnSignaled(ctx, signaledEvent(txA, hashX))
	corr.OnPruned(ctx, &events.Event{Kind: events.KindIntentPruned, TxHash: txA, IntentHash: hashX, DepositID: 10})
	corr.OnFulfilled(ctx, &events.Event{Kind: events.KindIntentFulfilled, TxHash: txA, IntentHash: hashX, DepositID: 10, Counterparty: caddr, Amount: 500})

	drainCtx, cancel := drainC()
	defer cancel()
	require.NoError(t, corr.Drain(drainCtx))

	_, fulfilled, cancelled := outcomes.snapshot()
	assert.Len(t, fulfilled, 1)
	assert.Empty(t, cancelled, "a fulfilled intent must never surface as cancelled")
	assert.Equal(t, []string{storage.IntentStatusFulfilled}, ledger.statusWrites(hashX.Hex()))
}

func TestScheduleIsIdempotent(t *testing.T) {
	outcomes := &recordedOutcomes{}
	corr := New(nil, nil, outcomes, 30*time.Millisecond, zerolog.Nop())

	ctx := context.Background()
	ev := &events.Event{Kind: events.KindIntentFulfilled, TxHash: txA, IntentHash: hashX, DepositID: 10, Amount: 1}
	for i := 0; i < 5; i++ {
		corr.OnFulfilled(ctx, ev)
		corr.ScheduleTransactionProcessing(txA)
	}

	drainCtx, cancel := drainC()
	defer cancel()
	require.NoError(t, corr.Drain(drainCtx))

	_, fulfilled, _ := outcomes.snapshot()
	assert.Len(t, fulfilled, 1, "repeat scheduling must resolve the batch exactly once")
	assert.Zero(t, corr.PendingBatches())
}

func TestIndependentIntentsResolveSeparately(t *testing.T) {
	outcomes := &recordedOutcomes{}
	corr := New(nil, nil, outcomes, 20*time.Millisecond, zerolog.Nop())

	ctx := context.Background()
	corr.OnFulfilled(ctx, &events.Event{Kind: events.KindIntentFulfilled, TxHash: txA, IntentHash: hashX, DepositID: 10, Amount: 1})
	corr.OnPruned(ctx, &events.Event{Kind: events.KindIntentPruned, TxHash: txA, IntentHash: hashY, DepositID: 10})

	drainCtx, cancel := drainC()
	defer cancel()
	require.NoError(t, corr.Drain(drainCtx))

	_, fulfilled, cancelled := outcomes.snapshot()
	assert.Len(t, fulfilled, 1)
	assert.Len(t, cancelled, 1, "distinct intents in one transaction resolve independently")
}

func TestEnrichmentPrefersSourceThenLedger(t *testing.T) {
	outcomes := &recordedOutcomes{}
	ledger := newMemIntentLedger()
	ledger.records[hashX.Hex()] = storage.IntentRecord{
		IntentHash: hashX.Hex(), DepositID: 10, Currency: "GBP", Rate: 8000,
	}
	source := &intentSource{records: map[common.Hash]storage.IntentRecord{
		hashX: {IntentHash: hashX.Hex(), DepositID: 10, Currency: "EUR", Rate: 9200},
	}}
	corr := New(ledger, source, outcomes, 20*time.Millisecond, zerolog.Nop())

	ctx := context.Background()
	corr.OnFulfilled(ctx, &events.Event{Kind: events.KindIntentFulfilled, TxHash: txA, IntentHash: hashX, DepositID: 10, Counterparty: caddr, Amount: 500})

	drainCtx, cancel := drainC()
	defer cancel()
	require.NoError(t, corr.Drain(drainCtx))

	_, fulfilled, _ := outcomes.snapshot()
	require.Len(t, fulfilled, 1)
	assert.Equal(t, "EUR", fulfilled[0].Currency, "authoritative source outranks the durable copy")
	assert.Equal(t, uint64(9200), fulfilled[0].Rate)
	assert.Equal(t, uint64(500), fulfilled[0].Amount, "event-supplied amount is kept")
}

func TestEnrichmentFallsBackToLedgerThenMinimal(t *testing.T) {
	outcomes := &recordedOutcomes{}
	ledger := newMemIntentLedger()
	ledger.records[hashX.Hex()] = storage.IntentRecord{
		IntentHash: hashX.Hex(), DepositID: 10, Currency: "GBP", Rate: 8000,
	}
	corr := New(ledger, &intentSource{}, outcomes, 20*time.Millisecond, zerolog.Nop())

	ctx := context.Background()
	corr.OnFulfilled(ctx, &events.Event{Kind: events.KindIntentFulfilled, TxHash: txA, IntentHash: hashX, DepositID: 10, Amount: 500})
	corr.OnPruned(ctx, &events.Event{Kind: events.KindIntentPruned, TxHash: txA, IntentHash: hashY, DepositID: 11})

	drainCtx, cancel := drainC()
	defer cancel()
	require.NoError(t, corr.Drain(drainCtx))

	_, fulfilled, cancelled := outcomes.snapshot()
	require.Len(t, fulfilled, 1)
	assert.Equal(t, "GBP", fulfilled[0].Currency, "ledger copy fills the gap when the source misses")

	require.Len(t, cancelled, 1)
	assert.Equal(t, uint64(11), cancelled[0].DepositID, "minimal record still carries identifiers")
	assert.Empty(t, cancelled[0].Currency)
}

func TestDrainResolvesPendingBatches(t *testing.T) {
	outcomes := &recordedOutcomes{}
	corr := New(nil, nil, outcomes, time.Hour, zerolog.Nop())

	ctx := context.Background()
	corr.OnFulfilled(ctx, &events.Event{Kind: events.KindIntentFulfilled, TxHash: txA, IntentHash: hashX, DepositID: 10, Amount: 1})
	require.Equal(t, 1, corr.PendingBatches())

	drainCtx, cancel := drainC()
	defer cancel()
	require.NoError(t, corr.Drain(drainCtx))

	_, fulfilled, _ := outcomes.snapshot()
	assert.Len(t, fulfilled, 1, "drain must resolve batches whose timers have not fired")
	assert.Zero(t, corr.PendingBatches())
}
