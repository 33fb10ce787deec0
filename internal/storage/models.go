package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Intent lifecycle statuses. A terminal status is written exactly once by
// the correlator.
const (
	IntentStatusSignaled  = "signaled"
	IntentStatusFulfilled = "fulfilled"
	IntentStatusPruned    = "pruned"
)

// DepositRecord mirrors the durable knowledge about one on-chain deposit.
type DepositRecord struct {
	DepositID uint64
	Owner     string
	Verifier  string
	Amount    uint64
	Closed    bool
	UpdatedAt time.Time
}

// IntentRecord is one user-facing order derived from events.
type IntentRecord struct {
	IntentHash   string
	DepositID    uint64
	Owner        string
	Counterparty string
	Amount       uint64
	Currency     string
	Rate         uint64
	Status       string
	CreatedAt    time.Time
}

// Subscription is a user's standing sniper interest. A nil Platform means
// "any platform". ThresholdPct overrides the subscriber's default when set.
type Subscription struct {
	ID           int64
	SubscriberID string
	Currency     string
	Platform     *string
	ThresholdPct *decimal.Decimal
	CreatedAt    time.Time
}

// AlertRecord captures an emitted notification for auditing.
type AlertRecord struct {
	ID           int64
	SubscriberID string
	DepositID    uint64
	Kind         string
	EdgePct      decimal.Decimal
	ThresholdPct decimal.Decimal
	Message      string
	CreatedAt    time.Time
}
