// Package bridge — канал команда/ответ между шлюзом и браузерным исполнителем.
// Транспорт — одно постоянное websocket-соединение; корреляция строго по id,
// порядок прихода ответов значения не имеет.
package bridge

import (
	"encoding/json"
	"errors"
	"time"
)

// Ошибки канала (ChannelError таксономия)
var (
	ErrNotConnected = errors.New("bridge: no executor connected")
	ErrDisconnected = errors.New("bridge: executor disconnected while request was in flight")
	ErrShutdown     = errors.New("bridge: channel is shut down")
	ErrCancelled    = errors.New("bridge: request cancelled")
	ErrTimeout      = errors.New("bridge: command timed out")
	ErrTerminal     = errors.New("bridge: connection lost, reconnect attempts exhausted")
)

// Command исходящая команда исполнителю: {id, cmd, payload, timestamp}
type Command struct {
	ID        string         `json:"id"`
	Cmd       string         `json:"cmd"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp"` // UnixMilli
}

// Response ответ исполнителя: наличие replyTo отличает ответ от новой команды
type Response struct {
	ReplyTo string         `json:"replyTo"`
	Payload map[string]any `json:"payload"`
	Error   string         `json:"error,omitempty"`
}

// frame универсальный конверт для чтения: по заполненным полям понимаем,
// ответ это на наш запрос или новая входящая команда.
type frame struct {
	ID        string          `json:"id,omitempty"`
	Cmd       string          `json:"cmd,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (f *frame) isReply() bool { return f.ReplyTo != "" }

// ToolResponse логическая форма результата после разворачивания конверта
type ToolResponse struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`

	// RequestID correlation id команды — для аудита и трассировки
	RequestID string `json:"-"`
}

// unwrapResponse приводит произвольный payload к стандартной форме {success, data}.
// Поле error в конверте превращается в failure-результат, а не в панику у вызывающего.
func unwrapResponse(resp *Response) *ToolResponse {
	if resp.Error != "" {
		return &ToolResponse{Success: false, Error: resp.Error}
	}
	p := resp.Payload
	if p == nil {
		return &ToolResponse{Success: true, Data: map[string]any{}}
	}
	if s, ok := p["success"].(bool); ok {
		out := &ToolResponse{Success: s}
		if d, ok := p["data"].(map[string]any); ok {
			out.Data = d
		} else {
			out.Data = p
		}
		if e, ok := p["error"].(string); ok {
			out.Error = e
		}
		return out
	}
	// Неконформный payload оборачиваем как есть
	return &ToolResponse{Success: true, Data: p}
}

func encodeCommand(cmd *Command) ([]byte, error) {
	if cmd.Timestamp == 0 {
		cmd.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(cmd)
}
