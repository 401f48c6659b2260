// Package approval — HITL-очередь подтверждений. Рискованный вызов в
// blocking-режиме паркуется здесь до решения оператора через консоль;
// не успел — запрос протухает и вызов отклоняется.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/browsergate/internal/domain"
	"github.com/xela07ax/browsergate/internal/engine"
)

// DefaultDecisionTimeout сколько ждем оператора, прежде чем пометить EXPIRED
const DefaultDecisionTimeout = 2 * time.Minute

// decidedRetention сколько держим решенные запросы для истории консоли
const decidedRetention = time.Hour

// decisionChannel pub/sub канал вердиктов для внешних наблюдателей
// (дашборды, другие инстансы шлюза). Односторонний: шлюз публикует,
// решения не принимаются извне.
const decisionChannel = "browsergate:approvals"

// decisionEvent сообщение о вердикте (или протухании) запроса
type decisionEvent struct {
	ID       string                `json:"id"`
	Tool     string                `json:"tool"`
	Domain   string                `json:"domain,omitempty"`
	Status   domain.ApprovalStatus `json:"status"`
	Reviewer string                `json:"reviewer,omitempty"`
	Comment  string                `json:"comment,omitempty"`
}

var ErrNotFound = fmt.Errorf("approval request not found")

type entry struct {
	req *domain.ApprovalRequest
	ch  chan domain.ApprovalStatus // Буфер 1: Decide не блокируется, если никто не ждет
}

// Store in-memory очередь запросов на подтверждение
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	timeout time.Duration
	now     func() time.Time
	rdb     *redis.Client // nil — без трансляции вердиктов
	metrics *engine.Metrics
	logger  *zap.Logger
}

func NewStore(rdb *redis.Client, decisionTimeout time.Duration, metrics *engine.Metrics, logger *zap.Logger) *Store {
	if decisionTimeout <= 0 {
		decisionTimeout = DefaultDecisionTimeout
	}
	return &Store{
		entries: make(map[string]*entry),
		timeout: decisionTimeout,
		now:     time.Now,
		rdb:     rdb,
		metrics: metrics,
		logger:  logger.Named("approval"),
	}
}

// Submit регистрирует запрос в статусе PENDING
func (s *Store) Submit(tool, host, reason string, risk domain.RiskLevel, payload map[string]any) *domain.ApprovalRequest {
	now := s.now().UTC()
	req := &domain.ApprovalRequest{
		ID:        uuid.NewString(),
		Tool:      tool,
		Domain:    host,
		RiskLevel: risk,
		Reason:    reason,
		Payload:   payload,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.entries[req.ID] = &entry{req: req, ch: make(chan domain.ApprovalStatus, 1)}
	pending := s.pendingLocked()
	s.mu.Unlock()

	s.metrics.SetApprovalsPending(pending)
	s.logger.Info("approval requested",
		zap.String("id", req.ID),
		zap.String("tool", tool),
		zap.String("domain", host),
		zap.String("risk", string(risk)),
		zap.String("reason", reason))
	return req
}

// RequireApproval регистрирует запрос и ждет вердикта оператора.
// Таймаут решения переводит запрос в EXPIRED — молчание не апрув.
func (s *Store) RequireApproval(ctx context.Context, tool, host, reason string, risk domain.RiskLevel, payload map[string]any) (domain.ApprovalStatus, error) {
	req := s.Submit(tool, host, reason, risk, payload)

	s.mu.Lock()
	e := s.entries[req.ID]
	s.mu.Unlock()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case st := <-e.ch:
		return st, nil
	case <-timer.C:
		s.expire(req.ID)
		return domain.StatusExpired, nil
	case <-ctx.Done():
		s.expire(req.ID)
		return domain.StatusExpired, ctx.Err()
	}
}

// Decide вердикт оператора. Переход проверяется конечным автоматом:
// повторное решение по уже решенному запросу — ошибка, не перезапись.
func (s *Store) Decide(id string, next domain.ApprovalStatus, reviewerID, comment string) (*domain.ApprovalRequest, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if err := e.req.CanTransitionTo(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	e.req.Status = next
	e.req.UpdatedAt = s.now().UTC()
	if reviewerID != "" {
		e.req.ReviewerID = &reviewerID
	}
	if comment != "" {
		e.req.Comment = &comment
	}

	select {
	case e.ch <- next:
	default:
	}
	pending := s.pendingLocked()
	s.mu.Unlock()

	s.metrics.SetApprovalsPending(pending)
	s.logger.Info("approval decided",
		zap.String("id", id),
		zap.String("status", string(next)),
		zap.String("reviewer", reviewerID))

	s.publish(decisionEvent{
		ID:       id,
		Tool:     e.req.Tool,
		Domain:   e.req.Domain,
		Status:   next,
		Reviewer: reviewerID,
		Comment:  comment,
	})
	return e.req, nil
}

// publish транслирует вердикт наблюдателям; без Redis — no-op
func (s *Store) publish(ev decisionEvent) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Publish(ctx, decisionChannel, data).Err(); err != nil {
		s.logger.Warn("failed to publish approval decision", zap.Error(err))
	}
}

func (s *Store) expire(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.req.Status != domain.StatusPending {
		s.mu.Unlock()
		return
	}
	e.req.Status = domain.StatusExpired
	e.req.UpdatedAt = s.now().UTC()
	tool, host := e.req.Tool, e.req.Domain
	pending := s.pendingLocked()
	s.mu.Unlock()

	s.metrics.SetApprovalsPending(pending)
	s.logger.Warn("approval request expired", zap.String("id", id), zap.String("tool", tool))

	s.publish(decisionEvent{ID: id, Tool: tool, Domain: host, Status: domain.StatusExpired})
}

// Get запрос по id
func (s *Store) Get(id string) (*domain.ApprovalRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.req, true
}

// List запросы (опционально по статусу), новые сверху
func (s *Store) List(status domain.ApprovalStatus) []*domain.ApprovalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.ApprovalRequest, 0, len(s.entries))
	for _, e := range s.entries {
		if status != "" && e.req.Status != status {
			continue
		}
		out = append(out, e.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cleanup выселяет решенные запросы старше часа. Планируется владельцем процесса.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-decidedRetention)
	for id, e := range s.entries {
		if e.req.Status != domain.StatusPending && e.req.UpdatedAt.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}

func (s *Store) pendingLocked() int {
	n := 0
	for _, e := range s.entries {
		if e.req.Status == domain.StatusPending {
			n++
		}
	}
	return n
}

// SetClock для тестов
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
