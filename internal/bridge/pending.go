package bridge

import (
	"sync"
	"time"
)

// outcome итог ожидания: либо ответ, либо ошибка канала
type outcome struct {
	resp *Response
	err  error
}

// pendingRequest живет в таблице от отправки до ответа/таймаута/teardown —
// что случится раньше. Канал буферизован на 1: fulfil никогда не блокируется.
type pendingRequest struct {
	id        string
	endpoint  string // Атрибуция к соединению для точечного reject при дисконнекте
	ch        chan outcome
	timer     *time.Timer
	createdAt time.Time
}

// pendingTable — единоличный владелец мапы ожидающих запросов.
// Гарантия at-most-once: запись удаляется из мапы строго до доставки исхода,
// повторный fulfil по тому же id просто не найдет запись.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]*pendingRequest)}
}

func (t *pendingTable) add(p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[p.id] = p
}

// take извлекает запись, снимая таймер. Вторая попытка по тому же id — nil.
func (t *pendingTable) take(id string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.m[id]
	if !ok {
		return nil
	}
	delete(t.m, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// fulfil доставляет исход, если запрос еще ожидается. false — неизвестный id
// (поздний ответ после таймаута или дубль) — вызывающий логирует и дропает.
func (t *pendingTable) fulfil(id string, o outcome) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	p.ch <- o
	return true
}

// rejectWhere отклоняет все запросы, подходящие под предикат (teardown, дисконнект)
func (t *pendingTable) rejectWhere(pred func(*pendingRequest) bool, err error) int {
	t.mu.Lock()
	var victims []*pendingRequest
	for id, p := range t.m {
		if pred(p) {
			delete(t.m, id)
			if p.timer != nil {
				p.timer.Stop()
			}
			victims = append(victims, p)
		}
	}
	t.mu.Unlock()

	for _, p := range victims {
		p.ch <- outcome{err: err}
	}
	return len(victims)
}

// sweepOlderThan страховка от багов отмены таймеров: отклоняет запросы,
// пережившие свой дедлайн, но не убранные собственным таймером.
func (t *pendingTable) sweepOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	return t.rejectWhere(func(p *pendingRequest) bool {
		return p.createdAt.Before(cutoff)
	}, ErrTimeout)
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
