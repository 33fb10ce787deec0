package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"escrow-alerts/internal/events"
)

// Status is the subscription lifecycle state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusClosing
)

// String names the status for log output.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// ErrDestroyed is returned by Connect after Destroy.
var ErrDestroyed = errors.New("stream: destroyed")

// Options tune the subscription lifecycle.
type Options struct {
	URL               string
	ContractAddress   string
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	InactivityTimeout time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectFactor   float64
	MaxReconnects     int
	BufferSize        int
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = 90 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = time.Minute
	}
	if o.ReconnectFactor < 1 {
		o.ReconnectFactor = 2
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 20
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
}

// Stream keeps a contract-scoped eth_subscribe("logs") subscription alive
// across network failures. Decoded-enough raw logs flow out of Logs(); all
// reconnection, keep-alive, and inactivity handling stays inside.
type Stream struct {
	opts   Options
	logger zerolog.Logger

	out      chan events.RawLog
	outOnce  sync.Once
	done     chan struct{}
	requests atomic.Uint64

	mu             sync.Mutex
	status         Status
	conn           *websocket.Conn
	writeMu        sync.Mutex
	epoch          uint64
	attempts       int
	reconnectTimer *time.Timer
	destroyed      bool

	fatal        atomic.Bool
	lastActivity atomic.Int64 // unix nanos
	wg           sync.WaitGroup
}

// New constructs a Stream without connecting.
func New(opts Options, logger zerolog.Logger) *Stream {
	opts.applyDefaults()
	return &Stream{
		opts:   opts,
		logger: logger.With().Str("component", "stream").Logger(),
		out:    make(chan events.RawLog, opts.BufferSize),
		done:   make(chan struct{}),
	}
}

// Logs exposes the raw log feed. The channel closes after Destroy.
func (s *Stream) Logs() <-chan events.RawLog {
	return s.out
}

// Connect opens the subscription. It is a no-op while already connecting or
// connected, and after Destroy. A failed attempt schedules a reconnect with
// backoff rather than returning the dial error to the caller loop.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.status == StatusConnecting || s.status == StatusConnected {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusConnecting
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	conn, err := s.dialAndSubscribe(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("connection attempt failed")
		s.scheduleReconnect(epoch)
		return err
	}

	s.mu.Lock()
	if s.destroyed || s.epoch != epoch {
		s.mu.Unlock()
		conn.Close()
		return ErrDestroyed
	}
	s.conn = conn
	s.status = StatusConnected
	// Verified round trip completed, so the backoff state resets here and
	// nowhere else.
	s.attempts = 0
	s.mu.Unlock()

	s.touch()
	conn.SetPongHandler(func(string) error {
		s.touch()
		conn.SetReadDeadline(time.Now().Add(s.opts.InactivityTimeout))
		return nil
	})

	s.wg.Add(2)
	go s.readLoop(conn, epoch)
	go s.keepAlive(conn, epoch)

	s.logger.Info().Str("url", s.opts.URL).Msg("subscription established")
	return nil
}

// dialAndSubscribe opens the socket and performs the eth_subscribe round
// trip. The subscription confirm is the liveness probe: a socket that opens
// but never answers is treated as a failed attempt.
func (s *Stream) dialAndSubscribe(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.opts.HandshakeTimeout}

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, s.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	reqID := s.requests.Add(1)
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "eth_subscribe",
		Params:  []interface{}{"logs", map[string]interface{}{"address": s.opts.ContractAddress}},
	}

	conn.SetWriteDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	for {
		var confirm subscribeResponse
		if err := conn.ReadJSON(&confirm); err != nil {
			conn.Close()
			return nil, fmt.Errorf("await subscribe confirm: %w", err)
		}
		if confirm.Error != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe rejected: %s", confirm.Error.Message)
		}
		if confirm.ID == reqID && confirm.Result != "" {
			return conn, nil
		}
	}
}

// scheduleReconnect arms a single backoff timer for the next attempt. Once
// the attempt cap is breached the stream goes permanently fatal; only an
// explicit Restart recovers from that.
func (s *Stream) scheduleReconnect(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed || s.epoch != epoch {
		return
	}
	s.status = StatusDisconnected
	s.conn = nil

	s.attempts++
	if s.attempts > s.opts.MaxReconnects {
		s.fatal.Store(true)
		s.logger.Error().Int("attempts", s.attempts-1).
			Msg("reconnect cap exhausted, stream is fatally unhealthy")
		return
	}

	delay := s.backoffDelay(s.attempts)

	s.logger.Info().Int("attempt", s.attempts).Dur("delay", delay).Msg("reconnect scheduled")

	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		if err := s.Connect(context.Background()); err != nil && !errors.Is(err, ErrDestroyed) {
			// Connect already scheduled the next attempt.
			s.logger.Debug().Err(err).Msg("scheduled reconnect failed")
		}
	})
}

// backoffDelay computes the wait before the given attempt (1-based),
// growing geometrically and capped at ReconnectMax.
func (s *Stream) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(float64(s.opts.ReconnectBase) * math.Pow(s.opts.ReconnectFactor, float64(attempt-1)))
	if delay > s.opts.ReconnectMax || delay <= 0 {
		delay = s.opts.ReconnectMax
	}
	return delay
}

// Restart forces an immediate reconnect, resetting backoff and the fatal
// flag. This is the entry point for the external health-check backstop.
func (s *Stream) Restart() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.attempts = 0
	s.fatal.Store(false)
	s.epoch++
	conn := s.conn
	s.conn = nil
	s.status = StatusDisconnected
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	s.logger.Info().Msg("manual restart requested")
	go s.Connect(context.Background())
}

// Destroy terminally shuts the stream down: cancels all timers, closes the
// transport with a best-effort close frame, and closes the log channel. No
// reconnect ever follows.
func (s *Stream) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.status = StatusClosing
	s.epoch++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.done)

	if conn != nil {
		s.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		conn.Close()
	}

	s.wg.Wait()
	s.outOnce.Do(func() { close(s.out) })
	s.logger.Info().Msg("stream destroyed")
}

// IsConnected reports whether the transport is open and activity has been
// observed within the freshness window. An open socket with no recent
// traffic is not trusted.
func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	connected := s.status == StatusConnected && s.conn != nil
	s.mu.Unlock()
	if !connected {
		return false
	}
	last := time.Unix(0, s.lastActivity.Load())
	return time.Since(last) <= s.opts.InactivityTimeout
}

// IsHealthy is false only after the reconnect cap was exhausted. A
// supervising process should alert or restart on this signal.
func (s *Stream) IsHealthy() bool {
	return !s.fatal.Load()
}

// Status returns the current lifecycle state.
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Stream) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// readLoop consumes frames from one connection until it dies, then hands
// control to the reconnect scheduler. A stale epoch means another
// connection already superseded this one.
func (s *Stream) readLoop(conn *websocket.Conn, epoch uint64) {
	defer s.wg.Done()

	for {
		conn.SetReadDeadline(time.Now().Add(s.opts.InactivityTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stale := s.destroyed || s.epoch != epoch
			s.mu.Unlock()
			if stale {
				return
			}
			s.logger.Warn().Err(err).Msg("read failed, connection presumed dead")
			conn.Close()
			s.scheduleReconnect(epoch)
			return
		}

		s.touch()
		s.handleMessage(message)
	}
}

// keepAlive pings the transport on a fixed interval and treats a stale
// activity timestamp as silent death even when the socket still reports
// open.
func (s *Stream) keepAlive(conn *websocket.Conn, epoch uint64) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		stale := s.destroyed || s.epoch != epoch
		s.mu.Unlock()
		if stale {
			return
		}

		last := time.Unix(0, s.lastActivity.Load())
		if time.Since(last) > s.opts.InactivityTimeout {
			s.logger.Warn().Time("last_activity", last).Msg("inactivity threshold breached, forcing reconnect")
			conn.Close()
			s.scheduleReconnect(epoch)
			return
		}

		s.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		s.writeMu.Unlock()
		if err != nil {
			s.logger.Warn().Err(err).Msg("ping failed")
			// The read loop observes the dead socket and reconnects.
		} else {
			s.touch()
		}
	}
}

func (s *Stream) handleMessage(message []byte) {
	var notif subscriptionNotification
	if err := json.Unmarshal(message, &notif); err != nil || notif.Method != "eth_subscription" || notif.Params == nil {
		return
	}

	raw, err := notif.Params.Result.toRawLog()
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed log notification skipped")
		return
	}
	if raw.Removed {
		// Reorged-out logs carry no actionable state.
		return
	}

	// Block rather than drop when the consumer lags so delivery stays
	// at-least-once; Destroy unblocks via the done channel.
	select {
	case s.out <- raw:
	case <-s.done:
	}
}

// Wire types for the JSON-RPC subscription protocol.

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type subscribeResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      uint64    `json:"id"`
	Result  string    `json:"result"`
	Error   *rpcError `json:"error"`
}

type subscriptionNotification struct {
	JSONRPC string              `json:"jsonrpc"`
	Method  string              `json:"method"`
	Params  *notificationParams `json:"params"`
}

type notificationParams struct {
	Subscription string  `json:"subscription"`
	Result       wireLog `json:"result"`
}

type wireLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	TransactionHash string   `json:"transactionHash"`
	BlockNumber     string   `json:"blockNumber"`
	Removed         bool     `json:"removed"`
}

func (w wireLog) toRawLog() (events.RawLog, error) {
	raw := events.RawLog{
		Address:    common.HexToAddress(w.Address),
		TxHash:     common.HexToHash(w.TransactionHash),
		Removed:    w.Removed,
		ReceivedAt: time.Now().UTC(),
	}

	raw.Topics = make([]common.Hash, 0, len(w.Topics))
	for _, topic := range w.Topics {
		raw.Topics = append(raw.Topics, common.HexToHash(topic))
	}

	if w.Data != "" && w.Data != "0x" {
		data, err := hexutil.Decode(w.Data)
		if err != nil {
			return events.RawLog{}, fmt.Errorf("decode log data: %w", err)
		}
		raw.Data = data
	}

	if w.BlockNumber != "" {
		block, err := hexutil.DecodeUint64(w.BlockNumber)
		if err != nil {
			return events.RawLog{}, fmt.Errorf("decode block number: %w", err)
		}
		raw.BlockNumber = block
	}

	return raw, nil
}
