package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWebSocketServer is a fake venue endpoint for client tests.
type TestWebSocketServer struct {
	server           *httptest.Server
	upgrader         websocket.Upgrader
	connections      []*websocket.Conn
	mu               sync.RWMutex
	receivedMessages [][]byte
	pingCount        atomic.Int64
	textPingCount    atomic.Int64
	shouldRejectConn atomic.Bool
	shouldSlowConn   atomic.Bool
	silent           atomic.Bool
}

func NewTestWebSocketServer() *TestWebSocketServer {
	ts := &TestWebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		receivedMessages: make([][]byte, 0),
	}

	ts.server = httptest.NewServer(http.HandlerFunc(ts.handleWebSocket))
	return ts
}

func (ts *TestWebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if ts.shouldRejectConn.Load() {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("Connection rejected"))
		return
	}

	if ts.shouldSlowConn.Load() {
		time.Sleep(2 * time.Second)
	}

	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ts.mu.Lock()
	ts.connections = append(ts.connections, conn)
	ts.mu.Unlock()

	conn.SetPingHandler(func(appData string) error {
		ts.pingCount.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		ts.mu.Lock()
		ts.receivedMessages = append(ts.receivedMessages, data)
		ts.mu.Unlock()

		if string(data) == "ping" {
			ts.textPingCount.Add(1)
			if !ts.silent.Load() {
				ts.mu.Lock()
				conn.WriteMessage(websocket.TextMessage, []byte("pong"))
				ts.mu.Unlock()
			}
		}
	}
}

// Broadcast writes a text frame to every open connection.
func (ts *TestWebSocketServer) Broadcast(msg string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, conn := range ts.connections {
		conn.WriteMessage(websocket.TextMessage, []byte(msg))
	}
}

// DropAll closes every server-side connection without a close frame.
func (ts *TestWebSocketServer) DropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, conn := range ts.connections {
		conn.Close()
	}
	ts.connections = nil
}

func (ts *TestWebSocketServer) URL() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *TestWebSocketServer) Close() {
	ts.DropAll()
	ts.server.Close()
}

func (ts *TestWebSocketServer) GetReceivedMessages() [][]byte {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	result := make([][]byte, len(ts.receivedMessages))
	copy(result, ts.receivedMessages)
	return result
}

func (ts *TestWebSocketServer) waitForConnection(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		ts.mu.RLock()
		defer ts.mu.RUnlock()
		return len(ts.connections) > 0
	}, 2*time.Second, 10*time.Millisecond, "server never saw a connection")
}

// collector records every frame passed to the handler.
type collector struct {
	mu     sync.Mutex
	frames []string
}

func (c *collector) handle(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(data))
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func TestConfig_Validation(t *testing.T) {
	noop := func([]byte) error { return nil }

	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:        "empty endpoint",
			config:      Config{Handler: noop},
			expectError: true,
			errorMsg:    "endpoint URL is required",
		},
		{
			name:        "nil handler",
			config:      Config{Endpoint: "ws://localhost:8080/ws"},
			expectError: true,
			errorMsg:    "message handler is required",
		},
		{
			name:        "unreachable endpoint",
			config:      Config{Endpoint: "ws://localhost:99999/ws", Handler: noop},
			expectError: true,
			errorMsg:    "failed to start client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			client, err := NewWebsocketClient(ctx, tt.config)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, client)
				assert.Contains(t, err.Error(), tt.errorMsg)
				return
			}
			require.NoError(t, err)
			client.Close()
		})
	}
}

func TestNewWebsocketClient_Defaults(t *testing.T) {
	server := NewTestWebSocketServer()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewWebsocketClient(ctx, Config{
		Endpoint: server.URL(),
		Handler:  func([]byte) error { return nil },
	})
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, defaultPingPeriod, client.cfg.PingPeriod)
	assert.Equal(t, defaultSendTimeout, client.cfg.SendTimeout)
	assert.NotNil(t, client.cfg.SubscriptionMessages)
	assert.Empty(t, client.cfg.SubscriptionMessages)
	assert.WithinDuration(t, time.Now(), client.LastMessageAt(), time.Second)
}

func TestNewWebsocketClient_ConnectionFailures(t *testing.T) {
	t.Run("server rejects connection", func(t *testing.T) {
		server := NewTestWebSocketServer()
		server.shouldRejectConn.Store(true)
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		client, err := NewWebsocketClient(ctx, Config{Endpoint: server.URL(), Handler: func([]byte) error { return nil }})
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "failed to start client")
	})

	t.Run("context timeout during connection", func(t *testing.T) {
		server := NewTestWebSocketServer()
		server.shouldSlowConn.Store(true)
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		client, err := NewWebsocketClient(ctx, Config{Endpoint: server.URL(), Handler: func([]byte) error { return nil }})
		assert.Error(t, err)
		assert.Nil(t, client)
	})
}

func TestNewWebsocketClient_SubscriptionMessages(t *testing.T) {
	server := NewTestWebSocketServer()
	defer server.Close()

	subscriptionMsgs := [][]byte{
		[]byte(`{"op":"subscribe","args":[{"channel":"books"}]}`),
		[]byte(`{"op":"subscribe","args":[{"channel":"trade"}]}`),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewWebsocketClient(ctx, Config{
		Endpoint:             server.URL(),
		Handler:              func([]byte) error { return nil },
		SubscriptionMessages: subscriptionMsgs,
	})
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return len(server.GetReceivedMessages()) >= len(subscriptionMsgs)
	}, 2*time.Second, 10*time.Millisecond)

	received := server.GetReceivedMessages()
	for i, expected := range subscriptionMsgs {
		assert.Equal(t, string(expected), string(received[i]))
	}
}

func TestClient_MessageHandling(t *testing.T) {
	t.Run("frames reach the handler in order", func(t *testing.T) {
		server := NewTestWebSocketServer()
		defer server.Close()

		var c collector
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := NewWebsocketClient(ctx, Config{Endpoint: server.URL(), Handler: c.handle})
		require.NoError(t, err)
		defer client.Close()

		server.waitForConnection(t)
		for i := 0; i < 5; i++ {
			server.Broadcast(fmt.Sprintf(`{"n":%d}`, i))
		}

		require.Eventually(t, func() bool { return len(c.snapshot()) == 5 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, `{"n":0}`, c.snapshot()[0])
		assert.Equal(t, `{"n":4}`, c.snapshot()[4])
		assert.Equal(t, int64(5), client.Received())
	})

	t.Run("handler error does not disconnect", func(t *testing.T) {
		server := NewTestWebSocketServer()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := NewWebsocketClient(ctx, Config{
			Endpoint: server.URL(),
			Handler:  func([]byte) error { return errors.New("handler error") },
		})
		require.NoError(t, err)
		defer client.Close()

		server.waitForConnection(t)
		server.Broadcast(`{"test":"data"}`)
		time.Sleep(100 * time.Millisecond)

		select {
		case <-client.DisconnectChan():
			t.Error("client should not disconnect due to handler error")
		default:
		}
	})

	t.Run("handler panic does not disconnect", func(t *testing.T) {
		server := NewTestWebSocketServer()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := NewWebsocketClient(ctx, Config{
			Endpoint: server.URL(),
			Handler:  func([]byte) error { panic("handler panic") },
		})
		require.NoError(t, err)
		defer client.Close()

		server.waitForConnection(t)
		server.Broadcast(`{"test":"data"}`)
		time.Sleep(100 * time.Millisecond)

		select {
		case <-client.DisconnectChan():
			t.Error("client should not disconnect due to handler panic")
		default:
		}
	})
}

func TestClient_Keepalive(t *testing.T) {
	t.Run("protocol ping", func(t *testing.T) {
		server := NewTestWebSocketServer()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := NewWebsocketClient(ctx, Config{
			Endpoint:   server.URL(),
			Handler:    func([]byte) error { return nil },
			PingPeriod: 50 * time.Millisecond,
		})
		require.NoError(t, err)
		defer client.Close()

		require.Eventually(t, func() bool { return server.pingCount.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("text ping with pong reply", func(t *testing.T) {
		server := NewTestWebSocketServer()
		defer server.Close()

		var c collector
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := NewWebsocketClient(ctx, Config{
			Endpoint:    server.URL(),
			Handler:     c.handle,
			PingPeriod:  50 * time.Millisecond,
			PingMessage: []byte("ping"),
		})
		require.NoError(t, err)
		defer client.Close()

		require.Eventually(t, func() bool { return server.textPingCount.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool { return len(c.snapshot()) > 0 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, "pong", c.snapshot()[0])
		assert.Zero(t, server.pingCount.Load())
	})
}

func TestClient_IdleTimeout(t *testing.T) {
	server := NewTestWebSocketServer()
	server.silent.Store(true)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewWebsocketClient(ctx, Config{
		Endpoint:    server.URL(),
		Handler:     func([]byte) error { return nil },
		PingPeriod:  time.Hour,
		IdleTimeout: 150 * time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection should be dropped")
	}

	select {
	case err := <-client.ErrChan():
		assert.ErrorIs(t, err, ErrIdleTimeout)
	case <-time.After(time.Second):
		t.Error("should receive idle timeout error")
	}
}

func TestClient_Close(t *testing.T) {
	t.Run("graceful shutdown", func(t *testing.T) {
		server := NewTestWebSocketServer()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := NewWebsocketClient(ctx, Config{Endpoint: server.URL(), Handler: func([]byte) error { return nil }})
		require.NoError(t, err)

		client.Close()

		select {
		case <-client.DisconnectChan():
		case <-time.After(2 * time.Second):
			t.Error("disconnect channel should be closed")
		}

		select {
		case err := <-client.ErrChan():
			assert.Equal(t, ErrClientShuttingDown, err)
		case <-time.After(time.Second):
			t.Error("should receive shutdown error")
		}

		assert.ErrorIs(t, client.Send([]byte("x")), ErrClientShuttingDown)
	})

	t.Run("multiple close calls", func(t *testing.T) {
		server := NewTestWebSocketServer()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := NewWebsocketClient(ctx, Config{Endpoint: server.URL(), Handler: func([]byte) error { return nil }})
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			client.Close()
			client.Close()
			client.Close()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("repeated Close should return promptly")
		}
	})

	t.Run("context cancellation triggers shutdown", func(t *testing.T) {
		server := NewTestWebSocketServer()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		client, err := NewWebsocketClient(ctx, Config{Endpoint: server.URL(), Handler: func([]byte) error { return nil }})
		require.NoError(t, err)

		cancel()

		select {
		case <-client.DisconnectChan():
		case <-time.After(2 * time.Second):
			t.Error("should disconnect when context cancelled")
		}
	})

	t.Run("server drops connection", func(t *testing.T) {
		server := NewTestWebSocketServer()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := NewWebsocketClient(ctx, Config{Endpoint: server.URL(), Handler: func([]byte) error { return nil }})
		require.NoError(t, err)
		defer client.Close()

		server.waitForConnection(t)
		server.DropAll()

		select {
		case <-client.DisconnectChan():
		case <-time.After(2 * time.Second):
			t.Fatal("should detect connection closure")
		}

		select {
		case err := <-client.ErrChan():
			assert.NotEqual(t, ErrClientShuttingDown, err)
		case <-time.After(time.Second):
			t.Error("should receive connection error")
		}
	})
}

func TestConstants(t *testing.T) {
	assert.Equal(t, 25*time.Second, defaultPingPeriod)
	assert.Equal(t, 5*time.Second, defaultSendTimeout)
	assert.Equal(t, int(1<<20), defaultReadLimit)
	assert.Equal(t, 10*time.Second, defaultHandshakeTimeout)
}

func BenchmarkClient_MessageHandling(b *testing.B) {
	server := NewTestWebSocketServer()
	defer server.Close()

	var processed atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := NewWebsocketClient(ctx, Config{
		Endpoint: server.URL(),
		Handler: func([]byte) error {
			processed.Add(1)
			return nil
		},
	})
	if err != nil {
		b.Fatal(err)
	}
	defer client.Close()

	for {
		server.mu.RLock()
		n := len(server.connections)
		server.mu.RUnlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	testMessage := `{"arg":{"channel":"trade","instId":"BTCUSDT"},"data":[]}`

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		server.Broadcast(testMessage)
	}
	for processed.Load() < int64(b.N) {
		time.Sleep(time.Microsecond)
	}
}
