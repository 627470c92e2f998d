package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func idleServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSClient_Connect(t *testing.T) {
	server := idleServer(t)
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	if client.closed.Load() {
		t.Error("client should not be closed")
	}
}

func TestWSClient_SubscribeProgram(t *testing.T) {
	unsubscribed := make(chan int64, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		if req.Method != "programSubscribe" {
			t.Errorf("expected programSubscribe, got %s", req.Method)
		}
		var cfg map[string]interface{}
		json.Unmarshal(req.Params[1], &cfg)
		if cfg["encoding"] != "base64" || cfg["commitment"] != "confirmed" {
			t.Errorf("unexpected subscribe config: %v", cfg)
		}

		c.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": 12345})

		time.Sleep(50 * time.Millisecond)
		c.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "programNotification",
			"params": map[string]interface{}{
				"subscription": 12345,
				"result": map[string]interface{}{
					"context": map[string]interface{}{"slot": 100},
					"value": map[string]interface{}{
						"pubkey": "pool1",
						"account": map[string]interface{}{
							"owner": "prog",
							"data":  []string{base64.StdEncoding.EncodeToString([]byte("payload")), "base64"},
						},
					},
				},
			},
		})

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var unsub struct {
				Method string  `json:"method"`
				Params []int64 `json:"params"`
			}
			if json.Unmarshal(msg, &unsub) == nil && unsub.Method == "programUnsubscribe" {
				unsubscribed <- unsub.Params[0]
			}
		}
	}))
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := client.SubscribeProgram(ctx, ProgramFilter{Program: "prog", DataSize: 1112})
	if err != nil {
		t.Fatalf("SubscribeProgram: %v", err)
	}

	select {
	case n := <-ch:
		if n.Pubkey != "pool1" {
			t.Errorf("expected pool1, got %s", n.Pubkey)
		}
		if string(n.Data) != "payload" {
			t.Errorf("unexpected data %q", n.Data)
		}
		if n.Slot != 100 {
			t.Errorf("expected slot 100, got %d", n.Slot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notification")
	}

	cancel()

	select {
	case id := <-unsubscribed:
		if id != 12345 {
			t.Errorf("expected unsubscribe of 12345, got %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for programUnsubscribe")
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel closed after unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestWSClient_Close(t *testing.T) {
	server := idleServer(t)
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if !client.closed.Load() {
		t.Error("client should be closed")
	}
	// Double close should be safe
	if err := client.Close(); err != nil {
		t.Errorf("double Close: %v", err)
	}
}

func TestWSClient_SubscribeAfterClose(t *testing.T) {
	server := idleServer(t)
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	client.Close()

	if _, err := client.SubscribeProgram(context.Background(), ProgramFilter{Program: "prog"}); err == nil {
		t.Error("expected error subscribing after close")
	}
}

func TestWSClient_CustomConfig(t *testing.T) {
	server := idleServer(t)
	defer server.Close()

	config := &WSClientConfig{
		ReconnectDelay:    100 * time.Millisecond,
		MaxReconnectDelay: 1 * time.Second,
		PingInterval:      5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
	}

	client, err := NewWSClient(context.Background(), wsURL(server), config)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	if client.config.ReconnectDelay != 100*time.Millisecond {
		t.Errorf("expected ReconnectDelay 100ms, got %v", client.config.ReconnectDelay)
	}
	if client.config.BufferSize != DefaultWSConfig().BufferSize {
		t.Errorf("expected default buffer size, got %d", client.config.BufferSize)
	}
}
