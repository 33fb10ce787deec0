package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"escrow-alerts/internal/storage"
)

const escrowReadABIJSON = `[
{"inputs":[{"internalType":"uint256","name":"depositID","type":"uint256"}],"name":"depositAmount","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"depositID","type":"uint256"}],"name":"deposits","outputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"bytes32","name":"verifier","type":"bytes32"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"bool","name":"closed","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"intentHash","type":"bytes32"}],"name":"intents","outputs":[{"internalType":"uint256","name":"depositID","type":"uint256"},{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"counterparty","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"uint256","name":"rate","type":"uint256"},{"internalType":"bytes32","name":"currency","type":"bytes32"}],"stateMutability":"view","type":"function"}
]`

var escrowReadABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(escrowReadABIJSON))
	if err != nil {
		panic("failed to parse escrow read ABI: " + err.Error())
	}
	escrowReadABI = parsed
}

// ErrNotFound marks a record the contract does not know about.
var ErrNotFound = errors.New("chain: record not found")

// Source is the ground-truth query interface, used only when cache and
// durable store both miss.
type Source interface {
	GetDepositAmount(ctx context.Context, depositID uint64) (uint64, error)
	GetDepositRecord(ctx context.Context, depositID uint64) (storage.DepositRecord, error)
	GetIntentRecord(ctx context.Context, intentHash common.Hash) (storage.IntentRecord, error)
}

// Options parameterise the contract reader.
type Options struct {
	RPCURL          string
	ContractAddress string
	Timeout         time.Duration
}

// ContractSource reads escrow state via Ethereum RPC.
type ContractSource struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewContractSource builds a contract-backed authoritative source.
func NewContractSource(opts Options, logger zerolog.Logger) *ContractSource {
	return &ContractSource{opts: opts, logger: logger.With().Str("component", "chain_source").Logger()}
}

// GetDepositAmount performs the direct keyed amount lookup.
func (c *ContractSource) GetDepositAmount(ctx context.Context, depositID uint64) (uint64, error) {
	outputs, err := c.call(ctx, "depositAmount", new(big.Int).SetUint64(depositID))
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("chain: unexpected depositAmount response")
	}
	amount, ok := outputs[0].(*big.Int)
	if !ok || !amount.IsUint64() {
		return 0, errors.New("chain: failed to decode depositAmount output")
	}
	if amount.Sign() == 0 {
		return 0, ErrNotFound
	}
	return amount.Uint64(), nil
}

// GetDepositRecord performs the full-record query.
func (c *ContractSource) GetDepositRecord(ctx context.Context, depositID uint64) (storage.DepositRecord, error) {
	outputs, err := c.call(ctx, "deposits", new(big.Int).SetUint64(depositID))
	if err != nil {
		return storage.DepositRecord{}, err
	}
	if len(outputs) != 4 {
		return storage.DepositRecord{}, errors.New("chain: unexpected deposits response")
	}

	owner, _ := outputs[0].(common.Address)
	verifier, _ := outputs[1].([32]byte)
	amount, ok := outputs[2].(*big.Int)
	if !ok {
		return storage.DepositRecord{}, errors.New("chain: failed to decode deposit amount")
	}
	closed, _ := outputs[3].(bool)

	if owner == (common.Address{}) && amount.Sign() == 0 {
		return storage.DepositRecord{}, ErrNotFound
	}

	return storage.DepositRecord{
		DepositID: depositID,
		Owner:     owner.Hex(),
		Verifier:  common.Hash(verifier).Hex(),
		Amount:    amount.Uint64(),
		Closed:    closed,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// GetIntentRecord re-queries an intent from the contract.
func (c *ContractSource) GetIntentRecord(ctx context.Context, intentHash common.Hash) (storage.IntentRecord, error) {
	outputs, err := c.call(ctx, "intents", [32]byte(intentHash))
	if err != nil {
		return storage.IntentRecord{}, err
	}
	if len(outputs) != 6 {
		return storage.IntentRecord{}, errors.New("chain: unexpected intents response")
	}

	depositID, ok := outputs[0].(*big.Int)
	if !ok {
		return storage.IntentRecord{}, errors.New("chain: failed to decode intent deposit id")
	}
	owner, _ := outputs[1].(common.Address)
	counterparty, _ := outputs[2].(common.Address)
	amount, _ := outputs[3].(*big.Int)
	rate, _ := outputs[4].(*big.Int)
	currency, _ := outputs[5].([32]byte)

	if depositID.Sign() == 0 && owner == (common.Address{}) {
		return storage.IntentRecord{}, ErrNotFound
	}

	rec := storage.IntentRecord{
		IntentHash:   intentHash.Hex(),
		DepositID:    depositID.Uint64(),
		Owner:        owner.Hex(),
		Counterparty: counterparty.Hex(),
		Currency:     trimBytes32(currency),
	}
	if amount != nil {
		rec.Amount = amount.Uint64()
	}
	if rate != nil {
		rec.Rate = rate.Uint64()
	}
	return rec, nil
}

func (c *ContractSource) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if c.opts.RPCURL == "" {
		return nil, errors.New("chain: rpc url not configured")
	}
	if c.opts.ContractAddress == "" {
		return nil, errors.New("chain: contract address not configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := escrowReadABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(c.opts.ContractAddress)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}

	return escrowReadABI.Unpack(method, res)
}

func (c *ContractSource) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func trimBytes32(b [32]byte) string {
	return strings.TrimRight(string(b[:]), "\x00")
}

var _ Source = (*ContractSource)(nil)
