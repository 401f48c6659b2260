package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClientTerminalAfterExhaustedAttempts(t *testing.T) {
	client := NewClient(ClientConfig{
		URL:         "ws://127.0.0.1:1", // Никто не слушает
		BackoffBase: 5 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
		MaxAttempts: 2,
	}, nil, zap.NewNop())

	err := client.Run(context.Background())
	require.ErrorIs(t, err, ErrTerminal)
	assert.True(t, client.Terminal())
}

func TestClientSendCommandWhileDisconnected(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://127.0.0.1:1"}, nil, zap.NewNop())

	_, err := client.SendCommand(context.Background(), "read_text", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientExecutesIncomingCommands(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	replies := make(chan Response, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		cmd, _ := json.Marshal(Command{ID: "cmd-1", Cmd: "read_text", Payload: map[string]any{"tabId": float64(1)}})
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, cmd))

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var resp Response
		_ = json.Unmarshal(data, &resp)
		replies <- resp
	}))
	defer srv.Close()

	handled := make(chan string, 1)
	client := NewClient(ClientConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		BackoffBase: 10 * time.Millisecond,
		MaxAttempts: 3,
	}, func(_ context.Context, cmd string, payload map[string]any) (map[string]any, error) {
		handled <- cmd
		return map[string]any{"success": true, "data": map[string]any{"text": "page text"}}, nil
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	select {
	case cmd := <-handled:
		assert.Equal(t, "read_text", cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("команда не дошла до обработчика")
	}

	select {
	case resp := <-replies:
		assert.Equal(t, "cmd-1", resp.ReplyTo)
		assert.Empty(t, resp.Error)
		require.NotNil(t, resp.Payload)
		assert.Equal(t, true, resp.Payload["success"])
	case <-time.After(2 * time.Second):
		t.Fatal("ответ не вернулся на сервер")
	}
}

func TestClientHandlerErrorBecomesErrorField(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	replies := make(chan Response, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		cmd, _ := json.Marshal(Command{ID: "cmd-2", Cmd: "click", Payload: map[string]any{"selector": "#gone"}})
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, cmd))

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var resp Response
		_ = json.Unmarshal(data, &resp)
		replies <- resp
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		BackoffBase: 10 * time.Millisecond,
		MaxAttempts: 3,
	}, func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
		return nil, assert.AnError
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	select {
	case resp := <-replies:
		assert.Equal(t, "cmd-2", resp.ReplyTo)
		assert.NotEmpty(t, resp.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("ответ с ошибкой не вернулся")
	}
}
