// Package engine — операционная механика шлюза: аварийный стоп-кран
// и телеметрия. Здесь нет доменных решений, только рубильники и счетчики.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// killSwitchChannel pub/sub канал синхронизации рубильника между инстансами
const killSwitchChannel = "browsergate:killswitch"

// switchEvent сообщение синхронизации состояния
type switchEvent struct {
	Action string `json:"action"` // engage | disengage | block | unblock
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// KillSwitch — аварийный рубильник: глобальный стоп всех инструментов
// и точечные блокировки доменов. При наличии Redis изменения
// публикуются и применяются на всех инстансах шлюза; без Redis
// работает как чисто локальный in-memory рубильник.
type KillSwitch struct {
	mu      sync.RWMutex
	engaged bool
	reason  string
	blocked map[string]string // host -> причина

	rdb    *redis.Client
	logger *zap.Logger
}

func NewKillSwitch(rdb *redis.Client, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{
		blocked: make(map[string]string),
		rdb:     rdb,
		logger:  logger.Named("killswitch"),
	}
}

// Engage глобальный стоп: каждый последующий вызов инструмента отклоняется
func (k *KillSwitch) Engage(reason string) {
	k.mu.Lock()
	k.engaged = true
	k.reason = reason
	k.mu.Unlock()

	k.logger.Warn("kill switch ENGAGED", zap.String("reason", reason))
	k.publish(switchEvent{Action: "engage", Reason: reason})
}

// Disengage снимает глобальный стоп; доменные блокировки остаются
func (k *KillSwitch) Disengage() {
	k.mu.Lock()
	k.engaged = false
	k.reason = ""
	k.mu.Unlock()

	k.logger.Info("kill switch disengaged")
	k.publish(switchEvent{Action: "disengage"})
}

// Engaged состояние глобального стопа с причиной
func (k *KillSwitch) Engaged() (bool, string) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.engaged, k.reason
}

// BlockDomain карантин домена независимо от allowlist
func (k *KillSwitch) BlockDomain(host, reason string) {
	k.mu.Lock()
	k.blocked[host] = reason
	k.mu.Unlock()

	k.logger.Warn("domain quarantined", zap.String("domain", host), zap.String("reason", reason))
	k.publish(switchEvent{Action: "block", Target: host, Reason: reason})
}

// UnblockDomain снимает карантин
func (k *KillSwitch) UnblockDomain(host string) bool {
	k.mu.Lock()
	_, ok := k.blocked[host]
	delete(k.blocked, host)
	k.mu.Unlock()

	if ok {
		k.logger.Info("domain quarantine lifted", zap.String("domain", host))
		k.publish(switchEvent{Action: "unblock", Target: host})
	}
	return ok
}

// DomainBlocked проверка карантина домена
func (k *KillSwitch) DomainBlocked(host string) (bool, string) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	reason, ok := k.blocked[host]
	return ok, reason
}

// Snapshot состояние для консоли
func (k *KillSwitch) Snapshot() map[string]any {
	k.mu.RLock()
	defer k.mu.RUnlock()
	blocked := make(map[string]string, len(k.blocked))
	for h, r := range k.blocked {
		blocked[h] = r
	}
	return map[string]any{
		"engaged":         k.engaged,
		"reason":          k.reason,
		"blocked_domains": blocked,
	}
}

func (k *KillSwitch) publish(ev switchEvent) {
	if k.rdb == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := k.rdb.Publish(ctx, killSwitchChannel, data).Err(); err != nil {
		k.logger.Warn("failed to publish kill switch event", zap.Error(err))
	}
}

// Listen применяет события от других инстансов. Живучий цикл:
// обрыв подписки — пауза и переподписка, пока жив контекст.
func (k *KillSwitch) Listen(ctx context.Context) {
	if k.rdb == nil {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		sub := k.rdb.Subscribe(ctx, killSwitchChannel)
		k.logger.Info("kill switch sync subscribed", zap.String("channel", killSwitchChannel))

		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				k.apply(msg.Payload)
			}
		}
		_ = sub.Close()
		k.logger.Warn("kill switch subscription lost, resubscribing")

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// apply локальное применение без повторной публикации (иначе шторм эха)
func (k *KillSwitch) apply(payload string) {
	var ev switchEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		k.logger.Warn("malformed kill switch event dropped", zap.Error(err))
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	switch ev.Action {
	case "engage":
		k.engaged = true
		k.reason = ev.Reason
	case "disengage":
		k.engaged = false
		k.reason = ""
	case "block":
		if ev.Target != "" {
			k.blocked[ev.Target] = ev.Reason
		}
	case "unblock":
		delete(k.blocked, ev.Target)
	}
}
