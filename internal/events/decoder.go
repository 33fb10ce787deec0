package events

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const escrowABIJSON = `[
{"type":"event","name":"DepositReceived","inputs":[{"name":"depositID","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"verifier","type":"bytes32","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"rate","type":"uint256","indexed":false}]},
{"type":"event","name":"DepositUpdated","inputs":[{"name":"depositID","type":"uint256","indexed":true},{"name":"verifier","type":"bytes32","indexed":true},{"name":"rate","type":"uint256","indexed":false}]},
{"type":"event","name":"DepositClosed","inputs":[{"name":"depositID","type":"uint256","indexed":true}]},
{"type":"event","name":"IntentSignaled","inputs":[{"name":"intentHash","type":"bytes32","indexed":true},{"name":"depositID","type":"uint256","indexed":true},{"name":"counterparty","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"rate","type":"uint256","indexed":false},{"name":"currency","type":"bytes32","indexed":false}]},
{"type":"event","name":"IntentFulfilled","inputs":[{"name":"intentHash","type":"bytes32","indexed":true},{"name":"depositID","type":"uint256","indexed":true},{"name":"counterparty","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"IntentPruned","inputs":[{"name":"intentHash","type":"bytes32","indexed":true},{"name":"depositID","type":"uint256","indexed":true}]}
]`

var escrowABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		panic("failed to parse escrow ABI: " + err.Error())
	}
	escrowABI = parsed
}

// ErrNoTopics marks a log that carries nothing usable at all.
var ErrNoTopics = errors.New("events: log has no topics")

// Decoder turns raw contract logs into tagged events.
type Decoder struct {
	logger zerolog.Logger
}

// NewDecoder constructs a Decoder.
func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{logger: logger.With().Str("component", "decoder").Logger()}
}

// Decode resolves a raw log into an Event. Logs whose signature is not in
// the escrow ABI degrade to KindUnrecognized when at least three topics are
// present, recovering the deposit id from the third topic so that watchers
// of that deposit can still be told something happened.
func (d *Decoder) Decode(raw RawLog) (*Event, error) {
	if len(raw.Topics) == 0 {
		return nil, ErrNoTopics
	}

	abiEvent, err := escrowABI.EventByID(raw.Topics[0])
	if err != nil {
		return d.decodeDegraded(raw)
	}

	values := map[string]interface{}{}
	if len(raw.Data) > 0 {
		if err := escrowABI.UnpackIntoMap(values, abiEvent.Name, raw.Data); err != nil {
			d.logger.Warn().Err(err).Str("event", abiEvent.Name).
				Stringer("tx", raw.TxHash).Msg("failed to unpack event data")
			return d.decodeDegraded(raw)
		}
	}

	indexed := make(abi.Arguments, 0, len(abiEvent.Inputs))
	for _, input := range abiEvent.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, raw.Topics[1:]); err != nil {
		d.logger.Warn().Err(err).Str("event", abiEvent.Name).
			Stringer("tx", raw.TxHash).Msg("failed to parse indexed topics")
		return d.decodeDegraded(raw)
	}

	event := &Event{
		TxHash:      raw.TxHash,
		BlockNumber: raw.BlockNumber,
	}

	switch abiEvent.Name {
	case "DepositReceived":
		event.Kind = KindDepositReceived
		event.DepositID = uint64FromMap(values, "depositID")
		event.Owner = addressFromMap(values, "owner")
		event.Verifier = bytes32FromMap(values, "verifier")
		event.Amount = uint64FromMap(values, "amount")
		event.Rate = uint64FromMap(values, "rate")
	case "DepositUpdated":
		event.Kind = KindDepositUpdated
		event.DepositID = uint64FromMap(values, "depositID")
		event.Verifier = bytes32FromMap(values, "verifier")
		event.Rate = uint64FromMap(values, "rate")
	case "DepositClosed":
		event.Kind = KindDepositClosed
		event.DepositID = uint64FromMap(values, "depositID")
	case "IntentSignaled":
		event.Kind = KindIntentSignaled
		event.IntentHash = common.Hash(bytes32FromMap(values, "intentHash"))
		event.DepositID = uint64FromMap(values, "depositID")
		event.Counterparty = addressFromMap(values, "counterparty")
		event.Amount = uint64FromMap(values, "amount")
		event.Rate = uint64FromMap(values, "rate")
		event.Currency = bytes32ToString(bytes32FromMap(values, "currency"))
	case "IntentFulfilled":
		event.Kind = KindIntentFulfilled
		event.IntentHash = common.Hash(bytes32FromMap(values, "intentHash"))
		event.DepositID = uint64FromMap(values, "depositID")
		event.Counterparty = addressFromMap(values, "counterparty")
		event.Amount = uint64FromMap(values, "amount")
	case "IntentPruned":
		event.Kind = KindIntentPruned
		event.IntentHash = common.Hash(bytes32FromMap(values, "intentHash"))
		event.DepositID = uint64FromMap(values, "depositID")
	default:
		return d.decodeDegraded(raw)
	}

	return event, nil
}

// decodeDegraded recovers what it can from an unrecognized log shape. With
// three or more topics the third topic is treated as a deposit id, which
// holds for every deposit-scoped event the escrow contract emits.
func (d *Decoder) decodeDegraded(raw RawLog) (*Event, error) {
	if len(raw.Topics) < 3 {
		return nil, fmt.Errorf("events: unrecognized log with %d topics", len(raw.Topics))
	}

	depositID := new(big.Int).SetBytes(raw.Topics[2].Bytes())
	if !depositID.IsUint64() {
		return nil, fmt.Errorf("events: topic 3 does not hold a deposit id")
	}

	d.logger.Warn().Stringer("tx", raw.TxHash).
		Stringer("signature", raw.Topics[0]).
		Uint64("deposit_id", depositID.Uint64()).
		Msg("unrecognized event shape, degrading to deposit-scoped notification")

	return &Event{
		Kind:        KindUnrecognized,
		TxHash:      raw.TxHash,
		BlockNumber: raw.BlockNumber,
		DepositID:   depositID.Uint64(),
	}, nil
}

// EventID returns the topic hash for a named escrow event.
func EventID(name string) common.Hash {
	abiEvent, ok := escrowABI.Events[name]
	if !ok {
		panic("events: unknown event " + name)
	}
	return abiEvent.ID
}

func uint64FromMap(values map[string]interface{}, key string) uint64 {
	v, ok := values[key].(*big.Int)
	if !ok || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}

func addressFromMap(values map[string]interface{}, key string) common.Address {
	v, _ := values[key].(common.Address)
	return v
}

func bytes32FromMap(values map[string]interface{}, key string) [32]byte {
	v, _ := values[key].([32]byte)
	return v
}
