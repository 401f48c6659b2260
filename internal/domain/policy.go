package domain

// Operation определяет тип воздействия инструмента на страницу
type Operation string

const (
	OpRead  Operation = "read"  // Чтение (screenshot, read_text, get_url)
	OpWrite Operation = "write" // Изменение (click, type_text, eval_js, navigate)
)

// DomainPolicy представляет собой правило безопасности для одного домена.
// Ключ в allowlist — точное имя хоста ("example.com") или wildcard ("*.example.com").
type DomainPolicy struct {
	Read  bool `json:"read" mapstructure:"read"`
	Write bool `json:"write" mapstructure:"write"`

	// RequiresApproval флаг Human-in-the-loop: любое действие на домене уходит оператору
	RequiresApproval bool `json:"requires_approval,omitempty" mapstructure:"requires_approval"`

	// MaxStepsPerHour персональный лимит шагов домена. 0 — используется глобальный бюджет движка.
	MaxStepsPerHour int `json:"max_steps_per_hour,omitempty" mapstructure:"max_steps_per_hour"`
}

// Allowlist маппинг домен -> политика. Иммутабелен на время одного lookup,
// меняется только явным обновлением конфигурации через движок.
type Allowlist map[string]DomainPolicy

// DefaultPolicy — Zero Trust: домен не в списке — запрещено всё.
func DefaultPolicy() DomainPolicy {
	return DomainPolicy{Read: false, Write: false}
}

// PolicyDecision — результат одной проверки. Создается заново на каждый вызов,
// никогда не персистится.
type PolicyDecision struct {
	Allowed          bool           `json:"allowed"`
	RequiresApproval bool           `json:"requires_approval"`
	Reason           string         `json:"reason,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Allow конструктор разрешающего решения
func Allow() PolicyDecision {
	return PolicyDecision{Allowed: true}
}

// Deny конструктор запрета с человеко-читаемой причиной
func Deny(reason string) PolicyDecision {
	return PolicyDecision{Allowed: false, Reason: reason}
}
