package events

import (
	"bytes"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind discriminates decoded escrow events. Downstream code switches on the
// kind instead of probing optional fields.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindDepositReceived
	KindDepositUpdated
	KindDepositClosed
	KindIntentSignaled
	KindIntentFulfilled
	KindIntentPruned
)

// String returns the event name used in logs and notifications.
func (k Kind) String() string {
	switch k {
	case KindDepositReceived:
		return "DepositReceived"
	case KindDepositUpdated:
		return "DepositUpdated"
	case KindDepositClosed:
		return "DepositClosed"
	case KindIntentSignaled:
		return "IntentSignaled"
	case KindIntentFulfilled:
		return "IntentFulfilled"
	case KindIntentPruned:
		return "IntentPruned"
	default:
		return "Unrecognized"
	}
}

// RawLog is one undecoded log entry as received from the subscription.
type RawLog struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	TxHash      common.Hash
	BlockNumber uint64
	Removed     bool
	ReceivedAt  time.Time
}

// Event is a decoded escrow contract event. Fields beyond DepositID are
// populated per kind: verifier/amount/rate on deposit events, intent fields
// on intent events. An Unrecognized event carries only a best-effort
// DepositID recovered from the raw topics.
type Event struct {
	Kind        Kind
	TxHash      common.Hash
	BlockNumber uint64

	DepositID uint64
	Owner     common.Address
	Verifier  [32]byte
	Amount    uint64
	Rate      uint64

	IntentHash   common.Hash
	Counterparty common.Address
	Currency     string
}

// VerifierHex renders the verifier identifier the way the reference table
// keys it.
func (e *Event) VerifierHex() string {
	return common.Hash(e.Verifier).Hex()
}

// IsRateBearing reports whether the event should trigger opportunity
// detection.
func (e *Event) IsRateBearing() bool {
	return e.Kind == KindDepositReceived || e.Kind == KindDepositUpdated
}

// bytes32ToString trims trailing zero padding from an ABI bytes32 value.
func bytes32ToString(b [32]byte) string {
	return string(bytes.TrimRight(b[:], "\x00"))
}
