package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
	defaultMaxAttempts = 10
	handshakeTimeout   = 10 * time.Second
)

// ClientConfig параметры клиентской (исполнительской) стороны канала
type ClientConfig struct {
	URL   string // ws://host:port/ws
	Token string // Bearer-токен для handshake (пустой — без авторизации)

	CommandTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxAttempts    uint // Попыток реконнекта до терминального состояния
}

// CommandHandler исполняет входящую команду шлюза (фактическая работа со страницей)
type CommandHandler func(ctx context.Context, cmd string, payload map[string]any) (map[string]any, error)

// Client — клиентская сторона канала: ровно одно исходящее соединение.
// Входящие сообщения различаются по наличию replyTo: ответ на наш запрос
// или новая команда от шлюза. Разрыв — реконнект с экспоненциальным
// бэкоффом и джиттером; исчерпание попыток — терминальное состояние.
type Client struct {
	cfg     ClientConfig
	handler CommandHandler
	pending *pendingTable

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	terminal atomic.Bool
	logger   *zap.Logger
}

func NewClient(cfg ClientConfig, handler CommandHandler, logger *zap.Logger) *Client {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		pending: newPendingTable(),
		logger:  logger.Named("executor-client"),
	}
}

// Run держит соединение до отмены контекста. Возвращает ошибку только
// в терминальном случае (попытки исчерпаны) или по ctx.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.terminal.Store(true)
			c.logger.Error("reconnect attempts exhausted", zap.Error(err))
			return fmt.Errorf("%w: %v", ErrTerminal, err)
		}

		// Успешное открытие сбрасывает счетчик попыток:
		// следующий разрыв начнет бэкофф заново с базовой задержки.
		c.setConn(conn)
		c.logger.Info("connected to gateway", zap.String("url", c.cfg.URL))

		c.serve(ctx, conn)
		c.clearConn()
		c.pending.rejectWhere(func(*pendingRequest) bool { return true }, ErrDisconnected)

		if err := ctx.Err(); err != nil {
			return err
		}
		c.logger.Warn("connection lost, reconnecting")
	}
}

// dial подключается с ретраями: delay = min(base * 2^(n-1), max) + jitter
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(c.cfg.MaxAttempts),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			delay := c.cfg.BackoffBase << n
			if delay > c.cfg.BackoffMax || delay <= 0 {
				delay = c.cfg.BackoffMax
			}
			jitter := time.Duration(rand.Int63n(int64(c.cfg.BackoffBase)))
			return delay + jitter
		}),
	)

	err := r.Do(func() error {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		hdr := http.Header{}
		if c.cfg.Token != "" {
			hdr.Set("Authorization", "Bearer "+c.cfg.Token)
		}
		cn, resp, dialErr := dialer.DialContext(ctx, c.cfg.URL, hdr)
		if dialErr != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			c.logger.Warn("dial failed", zap.Error(dialErr), zap.Int("status", status))
			return dialErr
		}
		conn = cn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) clearConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// serve читает кадры до разрыва соединения
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(ctx, conn, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("malformed frame dropped", zap.Error(err))
		return
	}

	if f.isReply() {
		var payload map[string]any
		if len(f.Payload) > 0 {
			_ = json.Unmarshal(f.Payload, &payload)
		}
		if !c.pending.fulfil(f.ReplyTo, outcome{resp: &Response{
			ReplyTo: f.ReplyTo,
			Payload: payload,
			Error:   f.Error,
		}}) {
			c.logger.Warn("response with unknown correlation id dropped", zap.String("reply_to", f.ReplyTo))
		}
		return
	}

	if f.Cmd == "" || f.ID == "" {
		c.logger.Debug("unroutable frame dropped")
		return
	}

	var payload map[string]any
	if len(f.Payload) > 0 {
		_ = json.Unmarshal(f.Payload, &payload)
	}

	// Команды исполняем конкурентно: пока одна ждет страницу,
	// канал продолжает принимать следующие.
	go func() {
		resp := Response{ReplyTo: f.ID}
		result, err := c.handler(ctx, f.Cmd, payload)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Payload = result
		}
		if werr := c.writeJSON(conn, resp); werr != nil {
			c.logger.Warn("failed to send response", zap.String("cmd", f.Cmd), zap.Error(werr))
		}
	}()
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendCommand зеркалит серверную сторону: id, pending, таймаут, отправка.
// Не подключены — мгновенный отказ.
func (c *Client) SendCommand(ctx context.Context, cmd string, payload map[string]any) (*ToolResponse, error) {
	conn := c.current()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	data, err := encodeCommand(&Command{ID: id, Cmd: cmd, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("bridge: encode command %q: %w", cmd, err)
	}

	p := &pendingRequest{
		id:        id,
		ch:        make(chan outcome, 1),
		createdAt: time.Now(),
	}
	timeout := c.cfg.CommandTimeout
	p.timer = time.AfterFunc(timeout, func() {
		c.pending.fulfil(id, outcome{err: fmt.Errorf("%w: %q after %dms", ErrTimeout, cmd, timeout.Milliseconds())})
	})
	c.pending.add(p)

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	werr := conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if werr != nil {
		c.pending.take(id)
		return nil, fmt.Errorf("bridge: send failed: %w", werr)
	}

	select {
	case o := <-p.ch:
		return finish(id, o)
	case <-ctx.Done():
		if c.pending.take(id) == nil {
			return finish(id, <-p.ch)
		}
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// Connected true, пока соединение открыто
func (c *Client) Connected() bool { return c.current() != nil }

// Terminal true после исчерпания попыток реконнекта
func (c *Client) Terminal() bool { return c.terminal.Load() }
