package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// escrowServer fakes the minimal eth_subscribe handshake and hands the
// confirmed connection to a per-test hook.
func escrowServer(t *testing.T, onConnected func(conn *websocket.Conn, connNum int64)) *httptest.Server {
	t.Helper()
	var connections atomic.Int64

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		num := connections.Add(1)

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Errorf("unmarshal subscribe request: %v", err)
			return
		}
		if req.Method != "eth_subscribe" {
			t.Errorf("method = %s, want eth_subscribe", req.Method)
			return
		}

		confirm := subscribeResponse{JSONRPC: "2.0", ID: req.ID, Result: "0xsub1"}
		if err := conn.WriteJSON(confirm); err != nil {
			return
		}

		if onConnected != nil {
			onConnected(conn, num)
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func sendLog(conn *websocket.Conn, txHash string, removed bool) error {
	notif := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params": map[string]interface{}{
			"subscription": "0xsub1",
			"result": map[string]interface{}{
				"address":         "0x9999999999999999999999999999999999999999",
				"topics":          []string{"0xaaaa", "0xbbbb", "0xcccc"},
				"data":            "0x",
				"transactionHash": txHash,
				"blockNumber":     "0x64",
				"removed":         removed,
			},
		},
	}
	return conn.WriteJSON(notif)
}

func testOptions(url string) Options {
	return Options{
		URL:               url,
		ContractAddress:   "0x9999999999999999999999999999999999999999",
		HandshakeTimeout:  2 * time.Second,
		PingInterval:      50 * time.Millisecond,
		InactivityTimeout: 2 * time.Second,
		ReconnectBase:     20 * time.Millisecond,
		ReconnectMax:      100 * time.Millisecond,
		ReconnectFactor:   2,
		MaxReconnects:     10,
		BufferSize:        16,
	}
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	stream := New(Options{
		URL:             "ws://unused",
		ReconnectBase:   time.Second,
		ReconnectMax:    time.Minute,
		ReconnectFactor: 2,
	}, zerolog.Nop())

	prev := time.Duration(0)
	for attempt := 1; attempt <= 30; attempt++ {
		delay := stream.backoffDelay(attempt)
		if delay < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", attempt, delay, prev)
		}
		if delay > time.Minute {
			t.Fatalf("delay exceeds cap at attempt %d: %s", attempt, delay)
		}
		prev = delay
	}

	if got := stream.backoffDelay(1); got != time.Second {
		t.Fatalf("first delay = %s, want base", got)
	}
	if got := stream.backoffDelay(10); got != time.Minute {
		t.Fatalf("deep attempt delay = %s, want cap", got)
	}
}

func TestStreamConnectAndReceive(t *testing.T) {
	hold := make(chan struct{})
	server := escrowServer(t, func(conn *websocket.Conn, connNum int64) {
		if err := sendLog(conn, "0x1234", false); err != nil {
			t.Errorf("send log: %v", err)
		}
		<-hold
	})
	defer server.Close()
	defer close(hold)

	stream := New(testOptions(wsURL(server)), zerolog.Nop())
	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer stream.Destroy()

	select {
	case raw := <-stream.Logs():
		if raw.TxHash != common.HexToHash("0x1234") {
			t.Fatalf("tx hash = %s", raw.TxHash)
		}
		if raw.BlockNumber != 100 {
			t.Fatalf("block number = %d, want 100", raw.BlockNumber)
		}
		if len(raw.Topics) != 3 {
			t.Fatalf("topics = %d, want 3", len(raw.Topics))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no log delivered")
	}

	if !stream.IsConnected() {
		t.Fatal("stream should report connected after delivery")
	}
	if stream.Status() != StatusConnected {
		t.Fatalf("status = %s", stream.Status())
	}
}

func TestStreamSkipsRemovedLogs(t *testing.T) {
	hold := make(chan struct{})
	server := escrowServer(t, func(conn *websocket.Conn, connNum int64) {
		_ = sendLog(conn, "0xdead", true)
		_ = sendLog(conn, "0xbeef", false)
		<-hold
	})
	defer server.Close()
	defer close(hold)

	stream := New(testOptions(wsURL(server)), zerolog.Nop())
	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer stream.Destroy()

	select {
	case raw := <-stream.Logs():
		if raw.TxHash != common.HexToHash("0xbeef") {
			t.Fatalf("reorged-out log should be skipped, got %s", raw.TxHash)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no log delivered")
	}
}

func TestStreamReconnectsAfterDrop(t *testing.T) {
	hold := make(chan struct{})
	server := escrowServer(t, func(conn *websocket.Conn, connNum int64) {
		if connNum == 1 {
			// First connection dies right after the confirm.
			conn.Close()
			return
		}
		_ = sendLog(conn, "0xafter", false)
		<-hold
	})
	defer server.Close()
	defer close(hold)

	stream := New(testOptions(wsURL(server)), zerolog.Nop())
	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer stream.Destroy()

	select {
	case raw := <-stream.Logs():
		if raw.TxHash != common.HexToHash("0xafter") {
			t.Fatalf("tx hash = %s", raw.TxHash)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not recover after the first connection dropped")
	}
}

func TestStreamFatalAfterCapAndRestart(t *testing.T) {
	opts := testOptions("ws://127.0.0.1:1") // nothing listens here
	opts.HandshakeTimeout = 100 * time.Millisecond
	opts.ReconnectBase = 10 * time.Millisecond
	opts.MaxReconnects = 2

	stream := New(opts, zerolog.Nop())
	if err := stream.Connect(context.Background()); err == nil {
		t.Fatal("connect to a dead endpoint should fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for stream.IsHealthy() {
		if time.Now().After(deadline) {
			t.Fatal("stream never went fatal after exhausting reconnect attempts")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if stream.IsConnected() {
		t.Fatal("fatal stream cannot be connected")
	}

	// Restart clears the fatal state even though the endpoint is still dead.
	stream.Restart()
	if !stream.IsHealthy() {
		t.Fatal("restart should clear the fatal flag")
	}

	stream.Destroy()
}

func TestStreamDestroyIsTerminal(t *testing.T) {
	hold := make(chan struct{})
	server := escrowServer(t, func(conn *websocket.Conn, connNum int64) {
		<-hold
	})
	defer server.Close()
	defer close(hold)

	stream := New(testOptions(wsURL(server)), zerolog.Nop())
	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	stream.Destroy()

	if _, ok := <-stream.Logs(); ok {
		t.Fatal("log channel should be closed after destroy")
	}
	if err := stream.Connect(context.Background()); err != ErrDestroyed {
		t.Fatalf("connect after destroy = %v, want ErrDestroyed", err)
	}
	// Destroy is idempotent.
	stream.Destroy()
}
