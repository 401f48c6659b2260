package domain

import "time"

// ErrorKind классификация отказов на границе диспетчера.
// Каждая публичная операция возвращает структурированный результат, а не panic/throw.
type ErrorKind string

const (
	ErrKindValidation ErrorKind = "validation" // Невалидный вход инструмента
	ErrKindPolicy     ErrorKind = "policy"     // Запрет политики (домен/бюджет/лимит/сбои)
	ErrKindChannel    ErrorKind = "channel"    // Канал: нет соединения, таймаут, дисконнект
	ErrKindRemote     ErrorKind = "remote"     // Исполнитель вернул ошибку команды
	ErrKindInternal   ErrorKind = "internal"   // Неожиданный сбой в обработчике
)

// ResultMeta контекст выполнения для observability
type ResultMeta struct {
	TabID            int       `json:"tab_id,omitempty"`
	URL              string    `json:"url,omitempty"`
	RequestID        string    `json:"request_id,omitempty"` // Correlation ID команды в канале
	Timestamp        time.Time `json:"timestamp"`
	RequiresApproval bool      `json:"requires_approval,omitempty"`
	ApprovalReason   string    `json:"approval_reason,omitempty"`
}

// ToolResult — единственная форма ответа диспетчера. Ошибки не «вылетают»
// за его границу: success=false + kind + stage, на котором всё закончилось.
type ToolResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Kind    ErrorKind      `json:"error_kind,omitempty"`

	// Stage имя этапа конвейера, отклонившего вызов (budget, rate, policy...).
	Stage string `json:"stage,omitempty"`

	// Violations все нарушения схемы входа разом, не только первое
	Violations []string `json:"violations,omitempty"`

	Meta *ResultMeta `json:"metadata,omitempty"`
}

// Ok успешный результат с данными исполнителя
func Ok(data map[string]any, meta *ResultMeta) ToolResult {
	return ToolResult{Success: true, Data: data, Meta: meta}
}

// Fail структурированный отказ
func Fail(kind ErrorKind, stage, msg string) ToolResult {
	return ToolResult{
		Success: false,
		Kind:    kind,
		Stage:   stage,
		Error:   msg,
		Meta:    &ResultMeta{Timestamp: time.Now()},
	}
}
