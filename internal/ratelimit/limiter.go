// Package ratelimit ограничивает частоту вызовов per-identifier и отслеживает
// серии сбоев. Ничего не знает о доменных политиках — это забота policy.Engine.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	MinuteWindow = time.Minute
	HourWindow   = time.Hour

	DefaultFailureThreshold = 5
)

// Config пороги лимитера. Нулевые значения означают «без лимита» для окон
// и дефолт для порога сбоев.
type Config struct {
	PerMinute        int `mapstructure:"per_minute"`
	PerHour          int `mapstructure:"per_hour"`
	FailureThreshold int `mapstructure:"failure_threshold"`
}

// Decision результат проверки лимита
type Decision struct {
	Allowed      bool
	Reason       string
	RetryAfter   int // Секунды до истечения окна (округление вверх)
	FailureCount int
}

// window счетчик с жестким сбросом: now - start > size — окно истекло.
// Это осознанный выбор (hard reset, не скользящий лог) — дешевле по памяти.
type window struct {
	count int
	start time.Time
}

func (w *window) expired(now time.Time, size time.Duration) bool {
	return now.Sub(w.start) > size
}

type entry struct {
	minute window
	hour   window
}

// Limiter владеет всеми своими мапами единолично; другие компоненты
// не лезут внутрь напрямую.
type Limiter struct {
	mu  sync.Mutex
	cfg Config

	windows  map[string]*entry
	failures map[string]int
	inflight map[string]*time.Timer
	timedOut map[string]bool // Авто-провал уже учтен, завершение владельцем не считать повторно

	now    func() time.Time // Подменяется в тестах
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Limiter {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	return &Limiter{
		cfg:      cfg,
		windows:  make(map[string]*entry),
		failures: make(map[string]int),
		inflight: make(map[string]*time.Timer),
		timedOut: make(map[string]bool),
		now:      time.Now,
		logger:   logger.Named("ratelimit"),
	}
}

// CheckRateLimit проверяет оба окна. Деним, если счетчик уперся в потолок,
// а окно еще не истекло — с указанием, сколько секунд ждать.
func (l *Limiter) CheckRateLimit(id string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.windows[id]
	if !ok {
		return Decision{Allowed: true}
	}
	now := l.now()

	if d := checkWindow(&e.minute, now, MinuteWindow, l.cfg.PerMinute, "per-minute"); !d.Allowed {
		return d
	}
	return checkWindow(&e.hour, now, HourWindow, l.cfg.PerHour, "per-hour")
}

func checkWindow(w *window, now time.Time, size time.Duration, limit int, label string) Decision {
	if limit <= 0 || w.expired(now, size) || w.count < limit {
		return Decision{Allowed: true}
	}
	remain := size - now.Sub(w.start)
	retry := int(math.Ceil(remain.Seconds()))
	if retry < 1 {
		retry = 1
	}
	return Decision{
		Allowed:    false,
		Reason:     fmt.Sprintf("%s rate limit reached (%d), retry in %ds", label, limit, retry),
		RetryAfter: retry,
	}
}

// RecordRequest инкрементирует активные окна, либо стартует новые после истечения
func (l *Limiter) RecordRequest(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.windows[id]
	if !ok {
		e = &entry{}
		l.windows[id] = e
	}
	now := l.now()
	bump(&e.minute, now, MinuteWindow)
	bump(&e.hour, now, HourWindow)
}

func bump(w *window, now time.Time, size time.Duration) {
	if w.count == 0 || w.expired(now, size) {
		w.start = now
		w.count = 1
		return
	}
	w.count++
}

// StartRequest начинает трекинг in-flight запроса: по истечении timeout
// запрос автоматически считается провалившимся (защита от зависших команд).
func (l *Limiter) StartRequest(id string, timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.inflight[id]; ok {
		t.Stop() // Повторный старт перекрывает предыдущий таймер
	}
	var t *time.Timer
	t = time.AfterFunc(timeout, func() {
		l.logger.Warn("in-flight request timed out", zap.String("id", id), zap.Duration("timeout", timeout))
		l.autoFail(id, t)
	})
	l.inflight[id] = t
}

// autoFail провал по таймауту. Считается ровно один раз на запуск:
// сработавший таймер помечает id, и позднее CompleteRequest(id, false)
// того же запроса серию уже не двигает.
func (l *Limiter) autoFail(id string, t *time.Timer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inflight[id] != t {
		return // Владелец успел завершить, либо запрос перезапущен
	}
	delete(l.inflight, id)
	l.failures[id]++
	l.timedOut[id] = true
}

// CompleteRequest снимает таймер и обновляет серию сбоев:
// провал — failures++, успех — полный сброс (без частичного затухания).
func (l *Limiter) CompleteRequest(id string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	wasInflight := false
	if t, ok := l.inflight[id]; ok {
		t.Stop()
		delete(l.inflight, id)
		wasInflight = true
	}
	if success {
		delete(l.failures, id)
		delete(l.timedOut, id)
		return
	}
	if !wasInflight && l.timedOut[id] {
		delete(l.timedOut, id)
		return
	}
	l.failures[id]++
}

// CheckFailureThreshold деним после порога последовательных сбоев
func (l *Limiter) CheckFailureThreshold(id string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.failures[id]
	if count >= l.cfg.FailureThreshold {
		return Decision{
			Allowed:      false,
			Reason:       fmt.Sprintf("%d consecutive failures for %q (threshold %d)", count, id, l.cfg.FailureThreshold),
			FailureCount: count,
		}
	}
	return Decision{Allowed: true, FailureCount: count}
}

// CancelRequest убирает трекинг без влияния на счетчики
func (l *Limiter) CancelRequest(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.inflight[id]; ok {
		t.Stop()
		delete(l.inflight, id)
	}
	delete(l.timedOut, id)
}

// CancelAllRequests чистит все in-flight таймеры (teardown канала)
func (l *Limiter) CancelAllRequests() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, t := range l.inflight {
		t.Stop()
		delete(l.inflight, id)
	}
	l.timedOut = make(map[string]bool)
}

// Cleanup выселяет окна старше 2× их размера, чтобы мапа не росла вечно.
// Вызывается владельцем (policy.Engine) по внешнему таймеру, не самим лимитером.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, e := range l.windows {
		if e.minute.expired(now, 2*MinuteWindow) && e.hour.expired(now, 2*HourWindow) {
			delete(l.windows, id)
		}
	}
}

// SetClock для тестов — подмена источника времени
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
