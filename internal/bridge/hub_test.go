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

func startHub(t *testing.T, cfg HubConfig) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg, zap.NewNop())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialExecutor(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readCommand(t *testing.T, conn *websocket.Conn) Command {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var cmd Command
	require.NoError(t, json.Unmarshal(data, &cmd))
	return cmd
}

func TestSendCommandWithoutExecutor(t *testing.T) {
	hub, _ := startHub(t, HubConfig{})

	_, err := hub.SendCommand(context.Background(), "read_text", nil)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, hub.PendingCount(), "отказ без исполнителя не трогает pending-таблицу")
}

func TestCommandRoundTrip(t *testing.T) {
	hub, wsURL := startHub(t, HubConfig{})
	conn := dialExecutor(t, wsURL)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, time.Second, 10*time.Millisecond)

	go func() {
		cmd := readCommand(t, conn)
		reply, _ := json.Marshal(Response{
			ReplyTo: cmd.ID,
			Payload: map[string]any{"success": true, "data": map[string]any{"text": "hello"}},
		})
		_ = conn.WriteMessage(websocket.TextMessage, reply)
	}()

	resp, err := hub.SendCommand(context.Background(), "read_text", map[string]any{"tabId": 1})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "hello", resp.Data["text"])
	assert.NotEmpty(t, resp.RequestID)
	assert.Zero(t, hub.PendingCount())
}

func TestRemoteErrorUnwrapped(t *testing.T) {
	hub, wsURL := startHub(t, HubConfig{})
	conn := dialExecutor(t, wsURL)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, time.Second, 10*time.Millisecond)

	go func() {
		cmd := readCommand(t, conn)
		reply, _ := json.Marshal(Response{ReplyTo: cmd.ID, Error: "element not found"})
		_ = conn.WriteMessage(websocket.TextMessage, reply)
	}()

	resp, err := hub.SendCommand(context.Background(), "click", map[string]any{"selector": "#x"})
	require.NoError(t, err, "ошибка исполнителя — это failure-результат, не ошибка канала")
	assert.False(t, resp.Success)
	assert.Equal(t, "element not found", resp.Error)
}

func TestNonConformingPayloadWrapped(t *testing.T) {
	hub, wsURL := startHub(t, HubConfig{})
	conn := dialExecutor(t, wsURL)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, time.Second, 10*time.Millisecond)

	go func() {
		cmd := readCommand(t, conn)
		reply, _ := json.Marshal(Response{ReplyTo: cmd.ID, Payload: map[string]any{"url": "https://example.com"}})
		_ = conn.WriteMessage(websocket.TextMessage, reply)
	}()

	resp, err := hub.SendCommand(context.Background(), "get_url", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "https://example.com", resp.Data["url"])
}

func TestCommandTimeout(t *testing.T) {
	hub, wsURL := startHub(t, HubConfig{CommandTimeout: 100 * time.Millisecond})
	conn := dialExecutor(t, wsURL)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, time.Second, 10*time.Millisecond)

	go func() { _ = readCommand(t, conn) }() // Читаем и молчим

	start := time.Now()
	_, err := hub.SendCommand(context.Background(), "wait_for", map[string]any{"selector": "#x"})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, hub.PendingCount())
}

func TestUnknownCorrelationIDDropped(t *testing.T) {
	hub, wsURL := startHub(t, HubConfig{})
	conn := dialExecutor(t, wsURL)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, time.Second, 10*time.Millisecond)

	reply, _ := json.Marshal(Response{ReplyTo: "no-such-request", Payload: map[string]any{"success": true}})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, reply))

	// Хаб жив и дальше обслуживает нормальный цикл
	go func() {
		cmd := readCommand(t, conn)
		ok, _ := json.Marshal(Response{ReplyTo: cmd.ID, Payload: map[string]any{"success": true}})
		_ = conn.WriteMessage(websocket.TextMessage, ok)
	}()
	resp, err := hub.SendCommand(context.Background(), "tabs_list", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestDisconnectRejectsOnlyAttributedRequests(t *testing.T) {
	hub, wsURL := startHub(t, HubConfig{CommandTimeout: 5 * time.Second})
	conn := dialExecutor(t, wsURL)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, time.Second, 10*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := hub.SendCommand(context.Background(), "wait_for", map[string]any{"selector": "#x"})
		errCh <- err
	}()

	_ = readCommand(t, conn) // Команда дошла — запрос атрибуцирован соединению
	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrDisconnected, "in-flight запрос отклоняется сразу, не ждет таймаут")
	case <-time.After(2 * time.Second):
		t.Fatal("дисконнект не отклонил in-flight запрос")
	}
	assert.Zero(t, hub.PendingCount())
}

func TestContextCancellation(t *testing.T) {
	hub, wsURL := startHub(t, HubConfig{CommandTimeout: 5 * time.Second})
	conn := dialExecutor(t, wsURL)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, time.Second, 10*time.Millisecond)

	go func() { _ = readCommand(t, conn) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := hub.SendCommand(ctx, "wait_for", map[string]any{"selector": "#x"})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, hub.PendingCount())
}

func TestHandshakeAuthorization(t *testing.T) {
	denied := assert.AnError
	hub, wsURL := startHub(t, HubConfig{
		Authorize: func(r *http.Request) error {
			if r.Header.Get("Authorization") != "Bearer good" {
				return denied
			}
			return nil
		},
	})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer good")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestCloseRejectsEverything(t *testing.T) {
	hub, wsURL := startHub(t, HubConfig{CommandTimeout: 5 * time.Second})
	conn := dialExecutor(t, wsURL)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, time.Second, 10*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := hub.SendCommand(context.Background(), "wait_for", map[string]any{"selector": "#x"})
		errCh <- err
	}()
	_ = readCommand(t, conn)

	hub.Close()
	hub.Close() // Идемпотентность

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown не отклонил in-flight запрос")
	}

	_, err := hub.SendCommand(context.Background(), "tabs_list", nil)
	assert.ErrorIs(t, err, ErrShutdown)
}
