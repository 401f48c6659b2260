// Package audit — журнал всех вызовов инструментов: что запрошено,
// что решила политика, чем кончилось. Запись асинхронная и батчевая,
// горячий путь диспетчера никогда не ждет базу.
// Событие попадает в буфер УЖЕ отредактированным: секреты в хранилище
// не утекают даже при компрометации самой базы аудита.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/browsergate/internal/engine"
)

// Event одна запись журнала
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Tool      string         `json:"tool"`
	Stage     string         `json:"stage,omitempty"` // Этап отказа; пусто при успехе
	Success   bool           `json:"success"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
	Domain    string         `json:"domain,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	RiskLevel string         `json:"risk_level,omitempty"`
	Args      map[string]any `json:"args,omitempty"` // Только после редактирования
}

// Store приемник батчей. Реализация — Postgres (repository/postgres),
// в тестах — срез в памяти.
type Store interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// LogStore fallback-хранилище без базы: журнал уходит в структурированный лог
type LogStore struct {
	logger *zap.Logger
}

func NewLogStore(logger *zap.Logger) *LogStore {
	return &LogStore{logger: logger.Named("audit-log")}
}

func (s *LogStore) WriteBatch(_ context.Context, events []Event) error {
	for _, ev := range events {
		s.logger.Info("audit event",
			zap.String("id", ev.ID),
			zap.String("tool", ev.Tool),
			zap.Bool("success", ev.Success),
			zap.String("stage", ev.Stage),
			zap.String("error_kind", ev.ErrorKind),
			zap.String("domain", ev.Domain),
			zap.String("request_id", ev.RequestID),
			zap.String("risk", ev.RiskLevel),
			zap.Any("args", ev.Args),
		)
	}
	return nil
}

// Config параметры писателя
type Config struct {
	BufferSize    int           // Емкость буфера событий (0 -> 1024)
	BatchSize     int           // Порог немедленного сброса (0 -> 64)
	FlushInterval time.Duration // Период фонового сброса (0 -> 3s)
	WriteTimeout  time.Duration // Дедлайн одной записи в Store (0 -> 5s)
}

func (c *Config) withDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Auditor фоновый писатель. Переполнение буфера — load shedding:
// событие дропается с предупреждением, вызов инструмента не тормозится.
type Auditor struct {
	cfg     Config
	store   Store
	events  chan Event
	done    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
	dropped atomic.Int64

	metrics *engine.Metrics
	logger  *zap.Logger
}

func New(store Store, cfg Config, metrics *engine.Metrics, logger *zap.Logger) *Auditor {
	cfg.withDefaults()
	a := &Auditor{
		cfg:     cfg,
		store:   store,
		events:  make(chan Event, cfg.BufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		metrics: metrics,
		logger:  logger.Named("audit"),
	}
	go a.run()
	return a
}

// Record ставит событие в очередь. Никогда не блокируется.
func (a *Auditor) Record(ev Event) {
	if a.closed.Load() {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	select {
	case a.events <- ev:
		a.metrics.SetAuditBufferSize(len(a.events))
	default:
		n := a.dropped.Add(1)
		if n%100 == 1 {
			a.logger.Warn("audit buffer full, events dropped", zap.Int64("total_dropped", n))
		}
	}
}

// Dropped число потерянных при перегрузке событий
func (a *Auditor) Dropped() int64 { return a.dropped.Load() }

func (a *Auditor) run() {
	defer close(a.stopped)

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, a.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		a.write(batch)
		batch = batch[:0]
		a.metrics.SetAuditBufferSize(len(a.events))
	}

	for {
		select {
		case ev, ok := <-a.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= a.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.done:
			// Дренаж: дочитываем буфер и уходим
			for {
				select {
				case ev := <-a.events:
					batch = append(batch, ev)
					if len(batch) >= a.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (a *Auditor) write(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
	defer cancel()
	if err := a.store.WriteBatch(ctx, batch); err != nil {
		// Аудит не должен ронять шлюз: ошибка записи — потеря батча, не паника
		a.logger.Error("audit batch write failed",
			zap.Int("batch_size", len(batch)), zap.Error(err))
	}
}

// Stop дренирует буфер и останавливает писателя. Идемпотентен.
func (a *Auditor) Stop() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	close(a.done)
	<-a.stopped
}
