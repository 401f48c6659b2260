// Package policy — единая точка принятия решений шлюза.
// Движок компонует редактор, лимитер и доменный allowlist в упорядоченную
// цепочку проверок на каждый вызов инструмента. Методы Check* никогда
// не возвращают ошибку: проверка либо разрешает, либо запрещает, точка.
package policy

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/browsergate/internal/domain"
	"github.com/xela07ax/browsergate/internal/ratelimit"
	"github.com/xela07ax/browsergate/internal/redact"
)

// EnforcementMode режим реакции на requires_approval.
// Advisory — предупреждаем и пропускаем (поведение исходной системы),
// Blocking — вызов ждет решения оператора.
type EnforcementMode string

const (
	ModeAdvisory EnforcementMode = "advisory"
	ModeBlocking EnforcementMode = "blocking"
)

const (
	// MinCallInterval жесткий минимальный интервал между вызовами
	MinCallInterval = 100 * time.Millisecond

	domainBudgetWindow = time.Hour
)

// restrictedPrefixes внутренние страницы браузера — запрет безусловный,
// независимо от allowlist.
var restrictedPrefixes = []string{
	"chrome://", "chrome-extension://", "devtools://", "edge://", "brave://",
	"about:", "view-source:", "file://", "javascript:", "data:",
}

// Ключевые слова хостов, где write требует апрува даже при разрешающей политике
var sensitiveDomainKeywords = []string{"bank", "banking", "payment", "paypal", "billing", "admin"}

// Ключевые слова checkout-страниц — апрув для любых операций
var checkoutKeywords = []string{"checkout", "cart", "payment", "billing", "order"}

// Config параметры движка, приходят из распарсенной конфигурации (infra)
type Config struct {
	Allowlist   domain.Allowlist
	StepBudget  int // Глобальный бюджет шагов на сессию
	RateLimit   ratelimit.Config
	Enforcement EnforcementMode
}

// stepWindow часовой счетчик шагов домена (hard reset по resetTime + 1h)
type stepWindow struct {
	count   int
	resetAt time.Time
}

// Engine владеет состоянием сессии. Конструируется явно и передается
// в диспетчер через DI — никаких глобальных синглтонов, чтобы тесты
// могли держать несколько изолированных экземпляров.
type Engine struct {
	mu sync.Mutex

	allowlist  domain.Allowlist
	stepBudget int
	mode       EnforcementMode

	globalSteps  int
	sessionStart time.Time
	domainSteps  map[string]*stepWindow

	interval *rate.Limiter // Минимальный интервал 100ms между вызовами
	limiter  *ratelimit.Limiter
	redactor *redact.Redactor

	now    func() time.Time
	logger *zap.Logger
}

func NewEngine(cfg Config, red *redact.Redactor, logger *zap.Logger) *Engine {
	if cfg.Allowlist == nil {
		cfg.Allowlist = domain.Allowlist{}
	}
	if cfg.Enforcement == "" {
		cfg.Enforcement = ModeAdvisory
	}
	return &Engine{
		allowlist:    cfg.Allowlist,
		stepBudget:   cfg.StepBudget,
		mode:         cfg.Enforcement,
		sessionStart: time.Now(),
		domainSteps:  make(map[string]*stepWindow),
		interval:     rate.NewLimiter(rate.Every(MinCallInterval), 1),
		limiter:      ratelimit.New(cfg.RateLimit, logger),
		redactor:     red,
		now:          time.Now,
		logger:       logger.Named("policy"),
	}
}

// Mode возвращает режим принуждения апрувов
func (e *Engine) Mode() EnforcementMode { return e.mode }

// CheckDomainPolicy резолвит эффективную политику и решает,
// разрешена ли операция. Порядок: restricted-префиксы -> точный хост ->
// wildcard -> дефолтный запрет -> операция -> апрув -> бюджет домена.
func (e *Engine) CheckDomainPolicy(rawURL string, op domain.Operation) domain.PolicyDecision {
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	for _, p := range restrictedPrefixes {
		if strings.HasPrefix(lower, p) {
			return domain.Deny(fmt.Sprintf("restricted URL scheme: %s", p))
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return domain.Deny(fmt.Sprintf("cannot resolve domain from URL %q", rawURL))
	}
	host := strings.ToLower(u.Hostname())

	pol, matched := e.resolvePolicy(host)
	if !matched {
		return domain.Deny(fmt.Sprintf("domain %q is not in the allowlist", host))
	}

	switch op {
	case domain.OpRead:
		if !pol.Read {
			return domain.Deny(fmt.Sprintf("read access to %q is not permitted by policy", host))
		}
	case domain.OpWrite:
		if !pol.Write {
			return domain.Deny(fmt.Sprintf("write access to %q is not permitted by policy", host))
		}
	default:
		return domain.Deny(fmt.Sprintf("unknown operation %q", op))
	}

	requiresApproval := pol.RequiresApproval
	reason := ""
	if containsAny(lower, checkoutKeywords) {
		requiresApproval = true
		reason = "checkout/payment page"
	}
	if op == domain.OpWrite && containsAny(host, sensitiveDomainKeywords) {
		requiresApproval = true
		reason = "write operation on sensitive domain"
	}

	if d := e.checkDomainBudget(host, pol); !d.Allowed {
		return d
	}

	return domain.PolicyDecision{
		Allowed:          true,
		RequiresApproval: requiresApproval,
		Reason:           reason,
		Metadata: map[string]any{
			"domain": host,
			"policy": pol,
		},
	}
}

// resolvePolicy: точное совпадение -> первый подходящий wildcard -> (nil, false)
func (e *Engine) resolvePolicy(host string) (domain.DomainPolicy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.allowlist[host]; ok {
		return p, true
	}
	for key, p := range e.allowlist {
		suffix, ok := strings.CutPrefix(key, "*.")
		if !ok {
			continue
		}
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return p, true
		}
	}
	return domain.DefaultPolicy(), false
}

func (e *Engine) checkDomainBudget(host string, pol domain.DomainPolicy) domain.PolicyDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	budget := pol.MaxStepsPerHour
	if budget <= 0 {
		budget = e.stepBudget
	}
	if budget <= 0 {
		return domain.Allow()
	}

	w, ok := e.domainSteps[host]
	if !ok || e.now().After(w.resetAt) {
		return domain.Allow()
	}
	if w.count >= budget {
		return domain.Deny(fmt.Sprintf(
			"hourly step budget for %q exhausted (%d/%d), resets at %s",
			host, w.count, budget, w.resetAt.Format(time.RFC3339)))
	}
	return domain.Allow()
}

// IncrementStepCount вызывается владельцем ПОСЛЕ успешной доменной операции.
// Движок сам ничего не инкрементирует при проверке — check и increment
// атомарными не являются (см. модель конкурентности: bounded overshoot допустим).
func (e *Engine) IncrementStepCount(host string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	w, ok := e.domainSteps[host]
	if !ok || now.After(w.resetAt) {
		e.domainSteps[host] = &stepWindow{count: 1, resetAt: now.Add(domainBudgetWindow)}
		return
	}
	w.count++
}

// CheckGlobalStepBudget деним по достижении сессионного бюджета
func (e *Engine) CheckGlobalStepBudget() domain.PolicyDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stepBudget > 0 && e.globalSteps >= e.stepBudget {
		return domain.Deny(fmt.Sprintf(
			"global step budget exhausted (%d/%d since %s)",
			e.globalSteps, e.stepBudget, e.sessionStart.Format(time.RFC3339)))
	}
	return domain.Allow()
}

// CheckRateLimit совмещает оконные лимиты и минимальный интервал (100ms).
// Любое состояние — счетчики окон и токен интервала — расходуется только
// при разрешении: отказ по окну не трогает интервальный трекер.
func (e *Engine) CheckRateLimit(id string) domain.PolicyDecision {
	if id == "" {
		id = "global"
	}
	d := e.limiter.CheckRateLimit(id)
	if !d.Allowed {
		dec := domain.Deny(d.Reason)
		dec.Metadata = map[string]any{"retry_after_seconds": d.RetryAfter}
		return dec
	}
	if !e.interval.Allow() {
		return domain.Deny("calls too frequent: minimum interval is 100ms")
	}
	e.limiter.RecordRequest(id)
	return domain.Allow()
}

// CheckFailureThreshold делегирует лимитеру, ключ — имя инструмента
func (e *Engine) CheckFailureThreshold(tool string) domain.PolicyDecision {
	d := e.limiter.CheckFailureThreshold(tool)
	if !d.Allowed {
		dec := domain.Deny(d.Reason)
		dec.Metadata = map[string]any{"failure_count": d.FailureCount}
		return dec
	}
	return domain.Allow()
}

// CheckSensitiveData всегда allowed=true: чувствительность не запрещает,
// а требует апрува с причиной риска.
func (e *Engine) CheckSensitiveData(tool string, args map[string]any, rawURL string) domain.PolicyDecision {
	assessment := e.redactor.AssessRisk(tool, args, rawURL)
	dec := domain.Allow()
	if assessment.Level != domain.RiskLow {
		dec.RequiresApproval = true
		dec.Reason = strings.Join(assessment.Reasons, "; ")
		dec.Metadata = map[string]any{"risk_level": assessment.Level}
	}
	return dec
}

// CheckLargePostBody всегда allowed=true; крупное тело — повод для апрува
func (e *Engine) CheckLargePostBody(data any) domain.PolicyDecision {
	dec := domain.Allow()
	if e.redactor.IsLargePostBody(data) {
		dec.RequiresApproval = true
		dec.Reason = fmt.Sprintf("payload exceeds %d bytes", redact.LargeBodyThreshold)
	}
	return dec
}

// BeginToolExecution стартует in-flight трекинг с авто-провалом по таймауту
func (e *Engine) BeginToolExecution(tool string, timeout time.Duration) {
	e.limiter.StartRequest(tool, timeout)
}

// RecordToolExecution фиксирует исход: глобальный шаг, шаг домена (если был),
// завершение in-flight трекинга и серию сбоев.
func (e *Engine) RecordToolExecution(tool string, success bool, host, requestID string) {
	e.mu.Lock()
	e.globalSteps++
	e.mu.Unlock()

	if host != "" {
		e.IncrementStepCount(host)
	}
	e.limiter.CompleteRequest(tool, success)

	e.logger.Debug("tool execution recorded",
		zap.String("tool", tool),
		zap.Bool("success", success),
		zap.String("domain", host),
		zap.String("request_id", requestID),
	)
}

// RedactToolArguments безопасные для логов аргументы
func (e *Engine) RedactToolArguments(args map[string]any) map[string]any {
	return e.redactor.RedactMap(args)
}

// RedactToolResults безопасный для логов результат
func (e *Engine) RedactToolResults(data map[string]any) map[string]any {
	return e.redactor.RedactMap(data)
}

// CreateRedactedLogEntry готовая запись для аудита/логирования
func (e *Engine) CreateRedactedLogEntry(tool string, args map[string]any) map[string]any {
	return map[string]any{
		"tool":      tool,
		"args":      e.redactor.RedactMap(args),
		"timestamp": e.now().UTC(),
	}
}

// ResetSession обнуляет сессионное состояние (бюджеты, счетчики доменов)
func (e *Engine) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globalSteps = 0
	e.sessionStart = e.now()
	e.domainSteps = make(map[string]*stepWindow)
}

// Cleanup периодическая уборка: делегирует лимитеру и выселяет доменные
// счетчики старше 2× часового окна. Планируется владельцем процесса.
func (e *Engine) Cleanup() {
	e.limiter.Cleanup()

	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := e.now().Add(-domainBudgetWindow) // resetAt уже в будущем на 1h от записи
	for host, w := range e.domainSteps {
		if w.resetAt.Before(cutoff) {
			delete(e.domainSteps, host)
		}
	}
}

// --- Управление allowlist (консоль) ---

// SetDomainPolicy вставляет/обновляет правило на лету
func (e *Engine) SetDomainPolicy(host string, pol domain.DomainPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowlist[strings.ToLower(host)] = pol
	e.logger.Info("domain policy updated", zap.String("domain", host))
}

// RemoveDomainPolicy удаляет правило; домен возвращается к default deny
func (e *Engine) RemoveDomainPolicy(host string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := strings.ToLower(host)
	if _, ok := e.allowlist[key]; !ok {
		return false
	}
	delete(e.allowlist, key)
	return true
}

// AllowlistSnapshot копия текущего списка для отдачи наружу
func (e *Engine) AllowlistSnapshot() domain.Allowlist {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(domain.Allowlist, len(e.allowlist))
	for k, v := range e.allowlist {
		out[k] = v
	}
	return out
}

// SessionStats снапшот для консоли/статуса
func (e *Engine) SessionStats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{
		"global_steps":  e.globalSteps,
		"step_budget":   e.stepBudget,
		"session_start": e.sessionStart,
		"domains":       len(e.domainSteps),
		"enforcement":   e.mode,
	}
}

// SetClock для тестов
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
	e.limiter.SetClock(now)
}

// Limiter доступ для тестов и диспетчера (только чтение поведения)
func (e *Engine) Limiter() *ratelimit.Limiter { return e.limiter }

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
