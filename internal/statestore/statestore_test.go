package statestore

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
	"escrow-alerts/internal/storage"
)

type fakeLedger struct {
	mu      sync.Mutex
	amounts map[uint64]uint64
	stored  map[uint64]uint64
	queries int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{amounts: map[uint64]uint64{}, stored: map[uint64]uint64{}}
}

func (f *fakeLedger) GetDepositAmount(ctx context.Context, depositID uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	amount, ok := f.amounts[depositID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return amount, nil
}

func (f *fakeLedger) StoreDepositAmount(ctx context.Context, depositID uint64, amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[depositID] = amount
	return nil
}

func (f *fakeLedger) UpsertDeposit(ctx context.Context, record storage.DepositRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[record.DepositID] = record.Amount
	return nil
}

func (f *fakeLedger) GetDeposit(ctx context.Context, depositID uint64) (storage.DepositRecord, error) {
	return storage.DepositRecord{}, storage.ErrNotFound
}

func (f *fakeLedger) MarkDepositClosed(ctx context.Context, depositID uint64) error {
	return nil
}

func (f *fakeLedger) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *fakeLedger) storedAmount(depositID uint64) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	amount, ok := f.stored[depositID]
	return amount, ok
}

type fakeSource struct {
	mu          sync.Mutex
	amounts     map[uint64]uint64
	records     map[uint64]storage.DepositRecord
	amountCalls int
	recordCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{amounts: map[uint64]uint64{}, records: map[uint64]storage.DepositRecord{}}
}

func (f *fakeSource) GetDepositAmount(ctx context.Context, depositID uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.amountCalls++
	amount, ok := f.amounts[depositID]
	if !ok {
		return 0, chain.ErrNotFound
	}
	return amount, nil
}

func (f *fakeSource) GetDepositRecord(ctx context.Context, depositID uint64) (storage.DepositRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordCalls++
	record, ok := f.records[depositID]
	if !ok {
		return storage.DepositRecord{}, chain.ErrNotFound
	}
	return record, nil
}

func (f *fakeSource) GetIntentRecord(ctx context.Context, intentHash common.Hash) (storage.IntentRecord, error) {
	return storage.IntentRecord{}, chain.ErrNotFound
}

func TestLookupMemoryTier(t *testing.T) {
	ledger := newFakeLedger()
	store := New(ledger, newFakeSource(), 1_000_000, zerolog.Nop())

	store.Record(DepositFact{DepositID: 1, Amount: 500})

	fact, tier := store.Lookup(context.Background(), 1)
	assert.Equal(t, TierMemory, tier)
	assert.Equal(t, uint64(500), fact.Amount)
	assert.Zero(t, ledger.queryCount(), "memory hit should not touch the ledger")
}

func TestLookupLedgerTierBackfillsMemory(t *testing.T) {
	ledger := newFakeLedger()
	ledger.amounts[2] = 700
	store := New(ledger, newFakeSource(), 1_000_000, zerolog.Nop())

	fact, tier := store.Lookup(context.Background(), 2)
	require.Equal(t, TierLedger, tier)
	assert.Equal(t, uint64(700), fact.Amount)

	// Second lookup is served from memory.
	_, tier = store.Lookup(context.Background(), 2)
	assert.Equal(t, TierMemory, tier)
	assert.Equal(t, 1, ledger.queryCount())
}

func TestLookupSourceTierMirrors(t *testing.T) {
	ledger := newFakeLedger()
	source := newFakeSource()
	source.amounts[3] = 900
	store := New(ledger, source, 1_000_000, zerolog.Nop())

	fact, tier := store.Lookup(context.Background(), 3)
	require.Equal(t, TierSource, tier)
	assert.Equal(t, uint64(900), fact.Amount)

	// Mirror to the ledger is asynchronous.
	require.Eventually(t, func() bool {
		amount, ok := ledger.storedAmount(3)
		return ok && amount == 900
	}, 2*time.Second, 10*time.Millisecond, "source hit should be mirrored to the ledger")

	_, tier = store.Lookup(context.Background(), 3)
	assert.Equal(t, TierMemory, tier)
}

func TestLookupSourceFallsBackToFullRecord(t *testing.T) {
	source := newFakeSource()
	source.records[4] = storage.DepositRecord{DepositID: 4, Amount: 1200, Owner: "0xabc", Verifier: "0xdef"}
	store := New(nil, source, 1_000_000, zerolog.Nop())

	fact, tier := store.Lookup(context.Background(), 4)
	require.Equal(t, TierSource, tier)
	assert.Equal(t, uint64(1200), fact.Amount)
	assert.Equal(t, "0xabc", fact.Owner)
	assert.Equal(t, 1, source.amountCalls)
	assert.Equal(t, 1, source.recordCalls)
}

func TestLookupPlaceholderWhenAllTiersMiss(t *testing.T) {
	store := New(newFakeLedger(), newFakeSource(), 1_000_000, zerolog.Nop())

	fact, tier := store.Lookup(context.Background(), 99)
	assert.Equal(t, TierPlaceholder, tier)
	assert.Equal(t, uint64(1_000_000), fact.Amount)
}

func TestMergeIsPerFieldLastWriteWins(t *testing.T) {
	store := New(nil, nil, 0, zerolog.Nop())

	store.Record(DepositFact{DepositID: 5, Amount: 100, Owner: "0xowner"})
	store.Record(DepositFact{DepositID: 5, Verifier: "0xverifier"})

	fact, ok := store.Peek(5)
	require.True(t, ok)
	assert.Equal(t, uint64(100), fact.Amount, "amount survives a partial update")
	assert.Equal(t, "0xowner", fact.Owner)
	assert.Equal(t, "0xverifier", fact.Verifier)
}

func TestMarkClosed(t *testing.T) {
	store := New(nil, nil, 0, zerolog.Nop())
	store.Record(DepositFact{DepositID: 6, Amount: 100})

	store.MarkClosed(6)

	fact, ok := store.Peek(6)
	require.True(t, ok)
	assert.True(t, fact.Closed)
}
