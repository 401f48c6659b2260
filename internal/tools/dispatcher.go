package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/browsergate/internal/audit"
	"github.com/xela07ax/browsergate/internal/bridge"
	"github.com/xela07ax/browsergate/internal/domain"
	"github.com/xela07ax/browsergate/internal/engine"
	"github.com/xela07ax/browsergate/internal/policy"
)

// Имена этапов конвейера — попадают в stage результата и в метки метрик
const (
	StageRegistry   = "registry"
	StageKillSwitch = "killswitch"
	StageBudget     = "budget"
	StageRate       = "rate"
	StageFailures   = "failure_threshold"
	StageValidation = "validation"
	StagePolicy     = "policy"
	StageApproval   = "approval"
	StageDispatch   = "dispatch"
	StageInternal   = "internal"
)

// CommandSender транспорт до исполнителя (bridge.Hub в бою, фейк в тестах)
type CommandSender interface {
	SendCommand(ctx context.Context, cmd string, payload map[string]any) (*bridge.ToolResponse, error)
}

// ApprovalGate блокирующее подтверждение оператора (blocking-режим)
type ApprovalGate interface {
	RequireApproval(ctx context.Context, tool, host, reason string, risk domain.RiskLevel, payload map[string]any) (domain.ApprovalStatus, error)
}

// Switch аварийный рубильник
type Switch interface {
	Engaged() (bool, string)
	DomainBlocked(host string) (bool, string)
}

// Recorder приемник событий аудита
type Recorder interface {
	Record(ev audit.Event)
}

// DispatcherConfig параметры конвейера
type DispatcherConfig struct {
	// ToolTimeout дедлайн ожидания ответа исполнителя на одну команду
	ToolTimeout time.Duration
}

// Dispatcher прогоняет каждый вызов инструмента через упорядоченный
// конвейер проверок и — если все пропустили — отправляет команду в канал.
// Наружу всегда выходит структурированный ToolResult: паника обработчика,
// отказ политики и ошибка канала равно упакованы, никаких throw за границу.
type Dispatcher struct {
	registry *Registry
	engine   *policy.Engine
	channel  CommandSender

	gate    ApprovalGate // nil — blocking-режим недоступен
	kill    Switch       // nil — без рубильника
	auditor Recorder     // nil — без журнала
	metrics *engine.Metrics

	timeout time.Duration
	logger  *zap.Logger
}

func NewDispatcher(
	registry *Registry,
	eng *policy.Engine,
	channel CommandSender,
	gate ApprovalGate,
	kill Switch,
	auditor Recorder,
	metrics *engine.Metrics,
	cfg DispatcherConfig,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = bridge.DefaultCommandTimeout
	}
	return &Dispatcher{
		registry: registry,
		engine:   eng,
		channel:  channel,
		gate:     gate,
		kill:     kill,
		auditor:  auditor,
		metrics:  metrics,
		timeout:  cfg.ToolTimeout,
		logger:   logger.Named("dispatcher"),
	}
}

// Registry каталог инструментов (для консоли)
func (d *Dispatcher) Registry() *Registry { return d.registry }

// ExecuteTool полный конвейер одного вызова.
// Порядок этапов фиксирован: рубильник -> бюджет -> частота -> серия сбоев ->
// схема входа -> доменная политика -> чувствительность/размер -> апрув -> канал.
func (d *Dispatcher) ExecuteTool(ctx context.Context, tool string, args map[string]any) (res domain.ToolResult) {
	start := time.Now()
	var host string
	risk := domain.RiskLow

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in tool pipeline",
				zap.String("tool", tool), zap.Any("panic", r))
			res = domain.Fail(domain.ErrKindInternal, StageInternal, fmt.Sprintf("internal error: %v", r))
		}
		d.observe(tool, args, host, risk, start, res)
	}()

	def, ok := d.registry.Lookup(tool)
	if !ok {
		res = domain.Fail(domain.ErrKindValidation, StageRegistry, fmt.Sprintf("unknown tool %q", tool))
		return res
	}

	// 1. Рубильник: глобальный стоп бьет раньше любых политик
	if d.kill != nil {
		if engaged, reason := d.kill.Engaged(); engaged {
			res = d.deny(StageKillSwitch, fmt.Sprintf("kill switch engaged: %s", reason))
			return res
		}
	}

	// 2. Глобальный бюджет шагов сессии
	if dec := d.engine.CheckGlobalStepBudget(); !dec.Allowed {
		res = d.deny(StageBudget, dec.Reason)
		return res
	}

	// 3. Частотные лимиты (минимальный интервал + окна минута/час)
	if dec := d.engine.CheckRateLimit(""); !dec.Allowed {
		res = d.deny(StageRate, dec.Reason)
		res.Data = dec.Metadata
		return res
	}

	// 4. Серия сбоев инструмента
	if dec := d.engine.CheckFailureThreshold(tool); !dec.Allowed {
		res = d.deny(StageFailures, dec.Reason)
		res.Data = dec.Metadata
		return res
	}

	// 5. Схема входа: все нарушения разом
	if violations := def.Validate(args); len(violations) > 0 {
		res = domain.Fail(domain.ErrKindValidation, StageValidation,
			fmt.Sprintf("invalid arguments for %q: %s", tool, strings.Join(violations, "; ")))
		res.Violations = violations
		d.metrics.IncDenial(StageValidation)
		return res
	}

	// 6. Доменная политика — только для вызовов с явным целевым URL.
	// navigate без url остается в текущем документе вкладки — домена нет,
	// проверять нечего.
	rawURL := ""
	requiresApproval := false
	var approvalReasons []string
	if def.NavigatesURL {
		rawURL, _ = args["url"].(string)
	}
	if rawURL != "" {
		dec := d.engine.CheckDomainPolicy(rawURL, def.Op)
		if !dec.Allowed {
			res = d.deny(StagePolicy, dec.Reason)
			return res
		}
		if h, ok := dec.Metadata["domain"].(string); ok {
			host = h
		}
		if dec.RequiresApproval {
			requiresApproval = true
			if dec.Reason != "" {
				approvalReasons = append(approvalReasons, dec.Reason)
			} else {
				approvalReasons = append(approvalReasons, "domain policy requires approval")
			}
		}

		if d.kill != nil && host != "" {
			if blocked, reason := d.kill.DomainBlocked(host); blocked {
				res = d.deny(StageKillSwitch, fmt.Sprintf("domain %q is quarantined: %s", host, reason))
				return res
			}
		}
	}

	// 7. Чувствительные данные и размер тела — не запрет, а повод для апрува
	if dec := d.engine.CheckSensitiveData(tool, args, rawURL); dec.RequiresApproval {
		requiresApproval = true
		approvalReasons = append(approvalReasons, dec.Reason)
		if lvl, ok := dec.Metadata["risk_level"].(domain.RiskLevel); ok {
			risk = lvl
		}
	}
	if dec := d.engine.CheckLargePostBody(args); dec.RequiresApproval {
		requiresApproval = true
		approvalReasons = append(approvalReasons, dec.Reason)
	}

	// 8. Апрув: advisory — пометить и пропустить, blocking — ждать оператора
	approvalReason := strings.Join(approvalReasons, "; ")
	if requiresApproval {
		switch d.engine.Mode() {
		case policy.ModeBlocking:
			res, ok := d.awaitApproval(ctx, tool, host, approvalReason, risk, args)
			if !ok {
				return res
			}
		default:
			d.logger.Warn("risky call passed in advisory mode",
				zap.String("tool", tool),
				zap.String("domain", host),
				zap.String("risk", string(risk)),
				zap.String("reason", approvalReason))
		}
	}

	// 9. Отправка исполнителю
	d.engine.BeginToolExecution(tool, d.timeout)

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	resp, err := d.channel.SendCommand(callCtx, tool, args)
	if err != nil {
		d.engine.RecordToolExecution(tool, false, host, "")
		res = domain.Fail(domain.ErrKindChannel, StageDispatch, err.Error())
		res.Meta.URL = rawURL
		return res
	}

	meta := &domain.ResultMeta{
		URL:              rawURL,
		RequestID:        resp.RequestID,
		Timestamp:        time.Now().UTC(),
		RequiresApproval: requiresApproval,
		ApprovalReason:   approvalReason,
	}
	if id, ok := args["tabId"]; ok {
		meta.TabID = asInt(id)
	}

	if !resp.Success {
		d.engine.RecordToolExecution(tool, false, host, resp.RequestID)
		res = domain.Fail(domain.ErrKindRemote, StageDispatch, resp.Error)
		res.Meta = meta
		return res
	}

	d.engine.RecordToolExecution(tool, true, host, resp.RequestID)
	res = domain.Ok(resp.Data, meta)
	return res
}

// awaitApproval blocking-ветка: false во втором значении — вызов не пропущен
func (d *Dispatcher) awaitApproval(ctx context.Context, tool, host, reason string, risk domain.RiskLevel, args map[string]any) (domain.ToolResult, bool) {
	if d.gate == nil {
		return d.deny(StageApproval, "approval required but no approval gate is configured"), false
	}

	st, err := d.gate.RequireApproval(ctx, tool, host, reason, risk, d.engine.RedactToolArguments(args))
	if err != nil {
		return d.deny(StageApproval, fmt.Sprintf("approval interrupted: %v", err)), false
	}
	switch st {
	case domain.StatusApproved:
		return domain.ToolResult{}, true
	case domain.StatusRejected:
		return d.deny(StageApproval, fmt.Sprintf("operator rejected the call: %s", reason)), false
	default:
		return d.deny(StageApproval, fmt.Sprintf("approval timed out: %s", reason)), false
	}
}

func (d *Dispatcher) deny(stage, reason string) domain.ToolResult {
	d.metrics.IncDenial(stage)
	return domain.Fail(domain.ErrKindPolicy, stage, reason)
}

// observe метрики + аудит по итогам вызова
func (d *Dispatcher) observe(tool string, args map[string]any, host string, risk domain.RiskLevel, start time.Time, res domain.ToolResult) {
	outcome := "success"
	if !res.Success {
		outcome = string(res.Kind)
	}
	d.metrics.ObserveToolCall(tool, outcome, time.Since(start))

	if d.auditor == nil {
		return
	}
	ev := audit.Event{
		Tool:      tool,
		Stage:     res.Stage,
		Success:   res.Success,
		ErrorKind: string(res.Kind),
		Error:     res.Error,
		Domain:    host,
		RiskLevel: string(risk),
		Args:      d.engine.RedactToolArguments(args),
	}
	if res.Meta != nil {
		ev.RequestID = res.Meta.RequestID
	}
	d.auditor.Record(ev)
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
