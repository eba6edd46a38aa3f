package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockFeedServer creates a test WebSocket server.
func mockFeedServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDialAndReceive(t *testing.T) {
	server := mockFeedServer(t, func(conn *websocket.Conn) {
		msg := `{"type":"add","txid":"tx1","values":["0.00012345"],"window":"mempool"}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
		// Keep the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	dialer := NewDialer(DefaultConfig(wsURL(server)), nil)
	client, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after dial, want true")
	}

	select {
	case ev := <-client.Events():
		if ev.TxID != "tx1" {
			t.Errorf("TxID = %q, want tx1", ev.TxID)
		}
		if len(ev.Values) != 1 || ev.Values[0].String() != "0.00012345" {
			t.Errorf("Values = %v, want [0.00012345]", ev.Values)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received within 2s")
	}

	stats := client.Stats()
	if stats.Received != 1 || stats.Decoded != 1 {
		t.Errorf("Stats = %+v, want Received 1, Decoded 1", stats)
	}
}

func TestDialFails(t *testing.T) {
	cfg := DefaultConfig("ws://127.0.0.1:1/values")
	cfg.HandshakeTimeout = 200 * time.Millisecond

	dialer := NewDialer(cfg, nil)
	if _, err := dialer.Dial(context.Background()); err == nil {
		t.Fatal("Dial to dead endpoint succeeded, want error")
	}
}

func TestMalformedCountedAndDropped(t *testing.T) {
	server := mockFeedServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{broken`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"remove","txid":"tx2"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	dialer := NewDialer(DefaultConfig(wsURL(server)), nil)
	client, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	// The valid event arrives; the malformed one never does.
	select {
	case ev := <-client.Events():
		if ev.TxID != "tx2" {
			t.Errorf("TxID = %q, want tx2", ev.TxID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received within 2s")
	}

	stats := client.Stats()
	if stats.Malformed != 1 {
		t.Errorf("Stats.Malformed = %d, want 1", stats.Malformed)
	}
	if stats.Received != 2 {
		t.Errorf("Stats.Received = %d, want 2", stats.Received)
	}
}

func TestErrorsOnServerClose(t *testing.T) {
	server := mockFeedServer(t, func(conn *websocket.Conn) {
		// Close immediately without a close frame.
		conn.Close()
	})
	defer server.Close()

	dialer := NewDialer(DefaultConfig(wsURL(server)), nil)
	client, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if err == nil {
			t.Error("Errors yielded nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal error within 2s")
	}

	// The read loop flags disconnection right after yielding the error.
	deadline := time.Now().Add(time.Second)
	for client.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after connection loss, want false")
	}
}

func TestDoubleClose(t *testing.T) {
	server := mockFeedServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	dialer := NewDialer(DefaultConfig(wsURL(server)), nil)
	client, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close, want false")
	}
}
