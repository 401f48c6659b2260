package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultCommandTimeout дедлайн ожидания ответа исполнителя
	DefaultCommandTimeout = 30 * time.Second

	writeWait       = 10 * time.Second
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
	maxPayloadBytes = 1 << 20
	sendBufferSize  = 64
)

// HubConfig параметры серверной стороны канала
type HubConfig struct {
	// CommandTimeout per-request дедлайн (0 — DefaultCommandTimeout)
	CommandTimeout time.Duration

	// Authorize проверка handshake (JWT исполнителя). nil — без проверки.
	Authorize func(r *http.Request) error
}

// EventHandler обработчик команд, инициированных исполнителем
// (уведомления о событиях страницы). Не путать с ответами — у тех есть replyTo.
type EventHandler func(cmd string, payload map[string]any)

// Hub — серверная сторона канала: держит множество подключенных исполнителей,
// выдает correlation id исходящим командам, матчит ответы на ожидания
// и закрывает их по таймауту. Канал transport-agnostic по построению:
// вся wire-логика сосредоточена в envelope.go.
type Hub struct {
	cfg     HubConfig
	pending *pendingTable

	mu        sync.Mutex
	endpoints map[string]*endpoint
	order     []string // FIFO для first-available выбора
	closed    bool

	onEvent  EventHandler
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHub(cfg HubConfig, logger *zap.Logger) *Hub {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	return &Hub{
		cfg:       cfg,
		pending:   newPendingTable(),
		endpoints: make(map[string]*endpoint),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.Named("bridge"),
	}
}

// SetEventHandler регистрирует приемник executor-initiated сообщений
func (h *Hub) SetEventHandler(fn EventHandler) { h.onEvent = fn }

// endpoint одно websocket-соединение исполнителя
type endpoint struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// ServeHTTP апгрейдит соединение и ведет его до разрыва
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isClosed() {
		http.Error(w, "bridge is shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.cfg.Authorize != nil {
		if err := h.cfg.Authorize(r); err != nil {
			h.logger.Warn("executor handshake rejected", zap.Error(err))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ep := &endpoint{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	if !h.register(ep) {
		_ = conn.Close()
		return
	}
	h.logger.Info("executor connected", zap.String("endpoint", ep.id), zap.String("remote", r.RemoteAddr))

	go ep.writeLoop()
	ep.readLoop() // Блокируемся до разрыва
	h.unregister(ep)
}

func (h *Hub) register(ep *endpoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.endpoints[ep.id] = ep
	h.order = append(h.order, ep.id)
	return true
}

// unregister снимает endpoint и отклоняет ТОЛЬКО его запросы:
// атрибуция запрос->endpoint отслеживается, over-rejection не нужен.
func (h *Hub) unregister(ep *endpoint) {
	h.mu.Lock()
	if _, ok := h.endpoints[ep.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.endpoints, ep.id)
	for i, id := range h.order {
		if id == ep.id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.mu.Unlock()

	ep.close()
	n := h.pending.rejectWhere(func(p *pendingRequest) bool {
		return p.endpoint == ep.id
	}, ErrDisconnected)
	h.logger.Info("executor disconnected",
		zap.String("endpoint", ep.id), zap.Int("rejected_inflight", n))
}

func (ep *endpoint) close() {
	ep.once.Do(func() {
		close(ep.done)
		_ = ep.conn.Close()
	})
}

func (ep *endpoint) readLoop() {
	ep.conn.SetReadLimit(maxPayloadBytes)
	_ = ep.conn.SetReadDeadline(time.Now().Add(pongWait))
	ep.conn.SetPongHandler(func(string) error {
		return ep.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := ep.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ep.hub.handleFrame(ep, data)
	}
}

func (ep *endpoint) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ep.done:
			return
		case msg := <-ep.send:
			_ = ep.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ep.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				ep.close()
				return
			}
		case <-ticker.C:
			_ = ep.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ep.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				// Проваленный ping — соединение мертво, read loop развалится следом
				ep.close()
				return
			}
		}
	}
}

// enqueue неблокирующая постановка в очередь записи
func (ep *endpoint) enqueue(data []byte) error {
	select {
	case ep.send <- data:
		return nil
	case <-ep.done:
		return ErrDisconnected
	default:
		return fmt.Errorf("bridge: endpoint %s send buffer is full", ep.id)
	}
}

// handleFrame маршрутизация входящего: ответ (есть replyTo) или событие
func (h *Hub) handleFrame(ep *endpoint, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		h.logger.Warn("malformed frame dropped", zap.String("endpoint", ep.id), zap.Error(err))
		return
	}

	if f.isReply() {
		var payload map[string]any
		if len(f.Payload) > 0 {
			_ = json.Unmarshal(f.Payload, &payload)
		}
		ok := h.pending.fulfil(f.ReplyTo, outcome{resp: &Response{
			ReplyTo: f.ReplyTo,
			Payload: payload,
			Error:   f.Error,
		}})
		if !ok {
			// Неизвестный correlation id — дроп без ошибки (поздний ответ после таймаута)
			h.logger.Warn("response with unknown correlation id dropped",
				zap.String("reply_to", f.ReplyTo), zap.String("endpoint", ep.id))
		}
		return
	}

	if f.Cmd != "" && h.onEvent != nil {
		var payload map[string]any
		if len(f.Payload) > 0 {
			_ = json.Unmarshal(f.Payload, &payload)
		}
		h.onEvent(f.Cmd, payload)
		return
	}
	h.logger.Debug("unroutable frame dropped", zap.String("endpoint", ep.id))
}

// SendCommand отправляет команду первому доступному исполнителю и ждет ответ.
// Нет соединений — мгновенный отказ ErrNotConnected, без касания pending-мапы
// и без неявной очереди.
func (h *Hub) SendCommand(ctx context.Context, cmd string, payload map[string]any) (*ToolResponse, error) {
	ep := h.pickEndpoint()
	if ep == nil {
		if h.isClosed() {
			return nil, ErrShutdown
		}
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	data, err := encodeCommand(&Command{ID: id, Cmd: cmd, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("bridge: encode command %q: %w", cmd, err)
	}

	p := &pendingRequest{
		id:        id,
		endpoint:  ep.id,
		ch:        make(chan outcome, 1),
		createdAt: time.Now(),
	}
	timeout := h.cfg.CommandTimeout
	p.timer = time.AfterFunc(timeout, func() {
		if h.pending.fulfil(id, outcome{err: fmt.Errorf("%w: %q after %dms", ErrTimeout, cmd, timeout.Milliseconds())}) {
			h.logger.Warn("command timed out",
				zap.String("cmd", cmd), zap.String("request_id", id), zap.Duration("timeout", timeout))
		}
	})
	h.pending.add(p)

	if err := ep.enqueue(data); err != nil {
		h.pending.take(id)
		return nil, err
	}

	select {
	case o := <-p.ch:
		return finish(id, o)
	case <-ctx.Done():
		if h.pending.take(id) == nil {
			// Исход уже в пути — дочитываем, гонка разрешена в пользу ответа
			return finish(id, <-p.ch)
		}
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

func finish(id string, o outcome) (*ToolResponse, error) {
	if o.err != nil {
		return nil, o.err
	}
	tr := unwrapResponse(o.resp)
	tr.RequestID = id
	return tr, nil
}

// CancelRequest отклоняет ожидающий запрос отчетливой ошибкой cancelled —
// никакого молчаливого зависания
func (h *Hub) CancelRequest(id string) bool {
	return h.pending.fulfil(id, outcome{err: ErrCancelled})
}

// SweepStale страховочная метла: добивает запросы старше таймаута,
// которые пережили собственный таймер. Планируется владельцем процесса.
func (h *Hub) SweepStale() int {
	n := h.pending.sweepOlderThan(h.cfg.CommandTimeout)
	if n > 0 {
		h.logger.Warn("stale pending requests swept", zap.Int("count", n))
	}
	return n
}

func (h *Hub) pickEndpoint() *endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.order) == 0 {
		return nil
	}
	return h.endpoints[h.order[0]]
}

// ConnectedCount текущее число исполнителей
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.endpoints)
}

// PendingCount число запросов в полете (для статуса/метрик)
func (h *Hub) PendingCount() int { return h.pending.size() }

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close идемпотентный shutdown: отклонить все ожидания, закрыть соединения,
// перестать принимать новые.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	eps := make([]*endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		eps = append(eps, ep)
	}
	h.endpoints = make(map[string]*endpoint)
	h.order = nil
	h.mu.Unlock()

	n := h.pending.rejectWhere(func(*pendingRequest) bool { return true }, ErrShutdown)
	for _, ep := range eps {
		ep.close()
	}
	h.logger.Info("bridge closed", zap.Int("rejected_inflight", n), zap.Int("endpoints", len(eps)))
}
