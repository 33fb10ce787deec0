package correlator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"escrow-alerts/internal/chain"
	"escrow-alerts/internal/events"
	"escrow-alerts/internal/storage"
)

// Outcomes receives resolved intent lifecycle notifications. Implemented by
// the notification router.
type Outcomes interface {
	IntentCreated(ctx context.Context, record storage.IntentRecord)
	IntentFulfilled(ctx context.Context, record storage.IntentRecord)
	IntentCancelled(ctx context.Context, record storage.IntentRecord)
}

// Correlator turns a possibly-reordered, possibly-duplicated stream of
// intent events into exactly one outcome notification per intent per
// transaction. Events sharing a transaction hash are held in a batch for a
// fixed settle window before resolution, so a fulfillment observed moments
// after a prune of the same intent still wins.
type Correlator struct {
	ledger   storage.IntentLedger
	source   chain.Source
	outcomes Outcomes

	settleDelay time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	batches map[common.Hash]*txBatch
	wg      sync.WaitGroup
}

type txBatch struct {
	txID      common.Hash
	fulfilled map[common.Hash]storage.IntentRecord
	pruned    map[common.Hash]storage.IntentRecord
	scheduled bool
	timer     *time.Timer
}

// New constructs a Correlator. Ledger and source may be nil, which disables
// the corresponding enrichment tiers.
func New(ledger storage.IntentLedger, source chain.Source, outcomes Outcomes, settleDelay time.Duration, logger zerolog.Logger) *Correlator {
	if settleDelay <= 0 {
		settleDelay = 3 * time.Second
	}
	return &Correlator{
		ledger:      ledger,
		source:      source,
		outcomes:    outcomes,
		settleDelay: settleDelay,
		logger:      logger.With().Str("component", "correlator").Logger(),
		batches:     make(map[common.Hash]*txBatch),
	}
}

// OnSignaled handles an IntentSignaled event: persist the record, register
// the transaction batch, and emit the provisional "created" notification
// right away. Order creation is the one outcome users should see without a
// settle delay.
func (c *Correlator) OnSignaled(ctx context.Context, ev *events.Event) {
	record := storage.IntentRecord{
		IntentHash:   ev.IntentHash.Hex(),
		DepositID:    ev.DepositID,
		Counterparty: ev.Counterparty.Hex(),
		Amount:       ev.Amount,
		Currency:     ev.Currency,
		Rate:         ev.Rate,
		Status:       storage.IntentStatusSignaled,
		CreatedAt:    time.Now().UTC(),
	}

	if c.ledger != nil {
		if err := c.ledger.StoreIntentRecord(ctx, record); err != nil {
			c.logger.Error().Err(err).Str("intent", record.IntentHash).Msg("failed to persist signaled intent")
		}
	}

	c.touchBatch(ev.TxHash)
	c.ScheduleTransactionProcessing(ev.TxHash)

	if c.outcomes != nil {
		c.outcomes.IntentCreated(ctx, record)
	}
}

// OnFulfilled registers the intent in the transaction's fulfilled set,
// enriching the payload with the rate and currency the event itself omits.
func (c *Correlator) OnFulfilled(ctx context.Context, ev *events.Event) {
	record := c.enrich(ctx, ev)

	c.mu.Lock()
	batch := c.batchLocked(ev.TxHash)
	batch.fulfilled[ev.IntentHash] = record
	c.mu.Unlock()

	c.ScheduleTransactionProcessing(ev.TxHash)
}

// OnPruned registers the intent in the transaction's pruned set, with the
// same enrichment fallback chain as fulfillments.
func (c *Correlator) OnPruned(ctx context.Context, ev *events.Event) {
	record := c.enrich(ctx, ev)

	c.mu.Lock()
	batch := c.batchLocked(ev.TxHash)
	batch.pruned[ev.IntentHash] = record
	c.mu.Unlock()

	c.ScheduleTransactionProcessing(ev.TxHash)
}

// ScheduleTransactionProcessing arms the settle timer for a transaction.
// Scheduling is idempotent: repeat calls for an already-armed transaction
// do nothing, so N same-transaction events resolve in exactly one pass.
func (c *Correlator) ScheduleTransactionProcessing(txID common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := c.batchLocked(txID)
	if batch.scheduled {
		return
	}
	batch.scheduled = true
	c.wg.Add(1)
	batch.timer = time.AfterFunc(c.settleDelay, func() {
		c.process(txID)
	})
}

// Drain stops all pending settle timers and resolves their batches
// synchronously, then waits (bounded by ctx) for any resolution that was
// already in flight. Called on process shutdown so no batch outcome is lost
// nondeterministically.
func (c *Correlator) Drain(ctx context.Context) error {
	c.mu.Lock()
	var stopped []common.Hash
	for txID, batch := range c.batches {
		if batch.timer != nil && batch.timer.Stop() {
			stopped = append(stopped, txID)
		}
	}
	c.mu.Unlock()

	for _, txID := range stopped {
		c.process(txID)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process resolves one transaction batch: fulfilled wins over pruned for
// the same intent, every surviving outcome emits exactly one notification,
// and the batch is discarded.
func (c *Correlator) process(txID common.Hash) {
	defer c.wg.Done()

	c.mu.Lock()
	batch, ok := c.batches[txID]
	if ok {
		delete(c.batches, txID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for intentHash, record := range batch.pruned {
		if _, alsoFulfilled := batch.fulfilled[intentHash]; alsoFulfilled {
			c.logger.Info().Stringer("tx", txID).Stringer("intent", intentHash).
				Msg("intent both fulfilled and pruned in one transaction, fulfillment wins")
			continue
		}
		c.finalize(ctx, record, storage.IntentStatusPruned)
		if c.outcomes != nil {
			c.outcomes.IntentCancelled(ctx, record)
		}
	}

	for _, record := range batch.fulfilled {
		c.finalize(ctx, record, storage.IntentStatusFulfilled)
		if c.outcomes != nil {
			c.outcomes.IntentFulfilled(ctx, record)
		}
	}
}

func (c *Correlator) finalize(ctx context.Context, record storage.IntentRecord, status string) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.SetIntentStatus(ctx, record.IntentHash, status); err != nil {
		c.logger.Error().Err(err).Str("intent", record.IntentHash).
			Str("status", status).Msg("failed to persist terminal intent status")
	}
}

// enrich builds the fullest intent record it can for an event that omits
// rate and currency: authoritative source first, then the durable copy of
// the originally signaled record, then a minimal record carrying only ids.
func (c *Correlator) enrich(ctx context.Context, ev *events.Event) storage.IntentRecord {
	record := storage.IntentRecord{
		IntentHash:   ev.IntentHash.Hex(),
		DepositID:    ev.DepositID,
		Counterparty: ev.Counterparty.Hex(),
		Amount:       ev.Amount,
	}

	if c.source != nil {
		full, err := c.source.GetIntentRecord(ctx, ev.IntentHash)
		if err == nil {
			return mergeIntent(record, full)
		}
		if !errors.Is(err, chain.ErrNotFound) {
			c.logger.Warn().Err(err).Str("intent", record.IntentHash).Msg("authoritative intent lookup failed")
		}
	}

	if c.ledger != nil {
		stored, err := c.ledger.GetIntentRecord(ctx, record.IntentHash)
		if err == nil {
			return mergeIntent(record, stored)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Err(err).Str("intent", record.IntentHash).Msg("durable intent lookup failed")
		}
	}

	return record
}

// mergeIntent fills gaps in the event-derived record from a richer source
// without letting stale zeroes win.
func mergeIntent(base, richer storage.IntentRecord) storage.IntentRecord {
	if base.DepositID == 0 {
		base.DepositID = richer.DepositID
	}
	if base.Counterparty == "" || base.Counterparty == zeroAddressHex {
		base.Counterparty = richer.Counterparty
	}
	if base.Amount == 0 {
		base.Amount = richer.Amount
	}
	base.Owner = richer.Owner
	base.Currency = richer.Currency
	base.Rate = richer.Rate
	if base.CreatedAt.IsZero() {
		base.CreatedAt = richer.CreatedAt
	}
	return base
}

const zeroAddressHex = "0x0000000000000000000000000000000000000000"

func (c *Correlator) touchBatch(txID common.Hash) {
	c.mu.Lock()
	c.batchLocked(txID)
	c.mu.Unlock()
}

// batchLocked returns the batch for a transaction, creating it lazily.
// Callers hold c.mu.
func (c *Correlator) batchLocked(txID common.Hash) *txBatch {
	batch, ok := c.batches[txID]
	if !ok {
		batch = &txBatch{
			txID:      txID,
			fulfilled: make(map[common.Hash]storage.IntentRecord),
			pruned:    make(map[common.Hash]storage.IntentRecord),
		}
		c.batches[txID] = batch
	}
	return batch
}

// PendingBatches reports how many transactions await resolution.
func (c *Correlator) PendingBatches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}
