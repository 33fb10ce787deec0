package statestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"escrow-alerts/internal/chain"
	"escrow-alerts/internal/storage"
)

// Tier identifies which lookup tier produced a deposit fact. The placeholder
// tier must stay distinguishable from a genuine hit in logs and metrics.
type Tier int

const (
	TierMemory Tier = iota + 1
	TierLedger
	TierSource
	TierPlaceholder
)

// String names the tier for log output.
func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierLedger:
		return "ledger"
	case TierSource:
		return "source"
	case TierPlaceholder:
		return "placeholder"
	default:
		return "unknown"
	}
}

// DepositFact is cached knowledge about one on-chain deposit. Knowledge is
// append-only: facts are merged field by field and never deleted, though the
// Closed flag may be set.
type DepositFact struct {
	DepositID     uint64
	Amount        uint64
	Owner         string
	Verifier      string
	Closed        bool
	LastUpdatedAt time.Time
}

// Store answers "what do we know about deposit D" through a three-tier
// fallback chain: in-memory map, durable ledger, authoritative contract
// query. Hits on a lower tier back-fill every tier above it.
type Store struct {
	mu       sync.RWMutex
	deposits map[uint64]DepositFact

	ledger storage.DepositLedger
	source chain.Source

	placeholderAmount uint64
	logger            zerolog.Logger
}

// New builds a Store. Ledger and source may be nil; the corresponding tiers
// are then skipped.
func New(ledger storage.DepositLedger, source chain.Source, placeholderAmount uint64, logger zerolog.Logger) *Store {
	return &Store{
		deposits:          make(map[uint64]DepositFact),
		ledger:            ledger,
		source:            source,
		placeholderAmount: placeholderAmount,
		logger:            logger.With().Str("component", "statestore").Logger(),
	}
}

// Lookup resolves the freshest known fact for a deposit, walking the tier
// chain in strict order and short-circuiting on the first tier that knows a
// positive amount. The returned tier tells the caller where the fact came
// from; TierPlaceholder means every tier missed and the documented default
// amount was substituted so downstream computation does not crash.
func (s *Store) Lookup(ctx context.Context, depositID uint64) (DepositFact, Tier) {
	s.mu.RLock()
	fact, ok := s.deposits[depositID]
	s.mu.RUnlock()
	if ok && fact.Amount > 0 {
		return fact, TierMemory
	}

	if s.ledger != nil {
		amount, err := s.ledger.GetDepositAmount(ctx, depositID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Err(err).Uint64("deposit_id", depositID).Msg("ledger lookup failed")
		}
		if err == nil && amount > 0 {
			fact = s.merge(DepositFact{DepositID: depositID, Amount: amount, LastUpdatedAt: time.Now().UTC()})
			return fact, TierLedger
		}
	}

	if s.source != nil {
		if fact, ok := s.lookupSource(ctx, depositID); ok {
			return fact, TierSource
		}
	}

	s.logger.Warn().Uint64("deposit_id", depositID).
		Uint64("placeholder_amount", s.placeholderAmount).
		Msg("all lookup tiers missed, substituting placeholder amount")

	fact.DepositID = depositID
	fact.Amount = s.placeholderAmount
	return fact, TierPlaceholder
}

// lookupSource tries the direct keyed amount call first, then the full
// record query, and back-fills memory and ledger on a hit.
func (s *Store) lookupSource(ctx context.Context, depositID uint64) (DepositFact, bool) {
	if amount, err := s.source.GetDepositAmount(ctx, depositID); err == nil && amount > 0 {
		fact := s.merge(DepositFact{DepositID: depositID, Amount: amount, LastUpdatedAt: time.Now().UTC()})
		s.mirror(fact)
		return fact, true
	} else if err != nil && !errors.Is(err, chain.ErrNotFound) {
		s.logger.Warn().Err(err).Uint64("deposit_id", depositID).Msg("keyed amount lookup failed")
	}

	record, err := s.source.GetDepositRecord(ctx, depositID)
	if err != nil {
		if !errors.Is(err, chain.ErrNotFound) {
			s.logger.Warn().Err(err).Uint64("deposit_id", depositID).Msg("full record lookup failed")
		}
		return DepositFact{}, false
	}
	if record.Amount == 0 {
		return DepositFact{}, false
	}

	fact := s.merge(DepositFact{
		DepositID:     depositID,
		Amount:        record.Amount,
		Owner:         record.Owner,
		Verifier:      record.Verifier,
		Closed:        record.Closed,
		LastUpdatedAt: time.Now().UTC(),
	})
	s.mirror(fact)
	return fact, true
}

// Record merges a fresher fact into the in-memory tier and mirrors it to the
// ledger asynchronously. Mirror failures degrade cache freshness only; they
// are logged, never propagated.
func (s *Store) Record(fact DepositFact) DepositFact {
	if fact.LastUpdatedAt.IsZero() {
		fact.LastUpdatedAt = time.Now().UTC()
	}
	merged := s.merge(fact)
	s.mirror(merged)
	return merged
}

// MarkClosed sets the closed flag on the fact and its durable mirror.
func (s *Store) MarkClosed(depositID uint64) {
	s.mu.Lock()
	fact := s.deposits[depositID]
	fact.DepositID = depositID
	fact.Closed = true
	fact.LastUpdatedAt = time.Now().UTC()
	s.deposits[depositID] = fact
	s.mu.Unlock()

	if s.ledger == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.ledger.MarkDepositClosed(ctx, depositID); err != nil {
			s.logger.Warn().Err(err).Uint64("deposit_id", depositID).Msg("failed to mirror closed flag")
		}
	}()
}

// Peek returns the in-memory fact without touching lower tiers. Used by
// tests and by callers that must not trigger external calls.
func (s *Store) Peek(depositID uint64) (DepositFact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fact, ok := s.deposits[depositID]
	return fact, ok
}

// merge applies last-write-wins per field, not per record: zero-valued
// incoming fields keep the stored value.
func (s *Store) merge(incoming DepositFact) DepositFact {
	s.mu.Lock()
	defer s.mu.Unlock()

	fact := s.deposits[incoming.DepositID]
	fact.DepositID = incoming.DepositID
	if incoming.Amount > 0 {
		fact.Amount = incoming.Amount
	}
	if incoming.Owner != "" {
		fact.Owner = incoming.Owner
	}
	if incoming.Verifier != "" {
		fact.Verifier = incoming.Verifier
	}
	if incoming.Closed {
		fact.Closed = true
	}
	if incoming.LastUpdatedAt.After(fact.LastUpdatedAt) {
		fact.LastUpdatedAt = incoming.LastUpdatedAt
	}
	s.deposits[incoming.DepositID] = fact
	return fact
}

func (s *Store) mirror(fact DepositFact) {
	if s.ledger == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		record := storage.DepositRecord{
			DepositID: fact.DepositID,
			Owner:     fact.Owner,
			Verifier:  fact.Verifier,
			Amount:    fact.Amount,
			Closed:    fact.Closed,
		}
		if err := s.ledger.UpsertDeposit(ctx, record); err != nil {
			s.logger.Warn().Err(err).Uint64("deposit_id", fact.DepositID).Msg("failed to mirror deposit fact")
		}
	}()
}
