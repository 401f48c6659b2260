package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock управляемое время для детерминированных окон
type fakeClock struct {
	cur time.Time
}

func (c *fakeClock) now() time.Time          { return c.cur }
func (c *fakeClock) advance(d time.Duration) { c.cur = c.cur.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	l := New(cfg, zap.NewNop())
	clk := &fakeClock{cur: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.SetClock(clk.now)
	return l, clk
}

func TestMinuteWindowHardReset(t *testing.T) {
	l, clk := newTestLimiter(Config{PerMinute: 3, PerHour: 100})

	for i := 0; i < 3; i++ {
		d := l.CheckRateLimit("agent")
		require.True(t, d.Allowed, "request %d must pass", i+1)
		l.RecordRequest("agent")
	}

	d := l.CheckRateLimit("agent")
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "per-minute")
	assert.GreaterOrEqual(t, d.RetryAfter, 1)
	assert.LessOrEqual(t, d.RetryAfter, 60)

	// Жесткий сброс: окно истекло — счетчик начинается заново
	clk.advance(61 * time.Second)
	d = l.CheckRateLimit("agent")
	assert.True(t, d.Allowed)
}

func TestHourWindowOutlivesMinute(t *testing.T) {
	l, clk := newTestLimiter(Config{PerMinute: 0, PerHour: 2})

	l.RecordRequest("agent")
	l.RecordRequest("agent")

	d := l.CheckRateLimit("agent")
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "per-hour")

	clk.advance(2 * time.Minute)
	d = l.CheckRateLimit("agent")
	assert.False(t, d.Allowed, "минутного лимита нет, а часовой еще держит")

	clk.advance(time.Hour)
	d = l.CheckRateLimit("agent")
	assert.True(t, d.Allowed)
}

func TestSeparateIdentifiers(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 1})

	l.RecordRequest("a")
	assert.False(t, l.CheckRateLimit("a").Allowed)
	assert.True(t, l.CheckRateLimit("b").Allowed)
}

func TestFailureStreakResetOnSingleSuccess(t *testing.T) {
	l, _ := newTestLimiter(Config{FailureThreshold: 3})

	for i := 0; i < 3; i++ {
		l.CompleteRequest("click", false)
	}
	d := l.CheckFailureThreshold("click")
	require.False(t, d.Allowed)
	assert.Equal(t, 3, d.FailureCount)

	// Один успех стирает серию целиком
	l.CompleteRequest("click", true)
	d = l.CheckFailureThreshold("click")
	assert.True(t, d.Allowed)
	assert.Zero(t, d.FailureCount)
}

func TestInflightAutoFailure(t *testing.T) {
	l, _ := newTestLimiter(Config{FailureThreshold: 5})

	l.StartRequest("navigate", 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return l.CheckFailureThreshold("navigate").FailureCount == 1
	}, time.Second, 10*time.Millisecond, "зависший запрос должен провалиться сам")
}

func TestCompleteStopsAutoFailure(t *testing.T) {
	l, _ := newTestLimiter(Config{FailureThreshold: 5})

	l.StartRequest("navigate", 30*time.Millisecond)
	l.CompleteRequest("navigate", true)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, l.CheckFailureThreshold("navigate").FailureCount)
}

func TestOwnerCompletionAfterTimeoutCountedOnce(t *testing.T) {
	l, _ := newTestLimiter(Config{FailureThreshold: 5})

	l.StartRequest("navigate", 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	// Таймаут уже зачел провал; завершение владельцем — тот же запрос
	l.CompleteRequest("navigate", false)
	assert.Equal(t, 1, l.CheckFailureThreshold("navigate").FailureCount)

	// А следующий провал — уже новый
	l.CompleteRequest("navigate", false)
	assert.Equal(t, 2, l.CheckFailureThreshold("navigate").FailureCount)
}

func TestLateSuccessAfterTimeoutResetsStreak(t *testing.T) {
	l, _ := newTestLimiter(Config{FailureThreshold: 5})

	l.StartRequest("click", 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, l.CheckFailureThreshold("click").FailureCount)

	// Ответ пришел сразу после таймера: успех стирает серию целиком
	l.CompleteRequest("click", true)
	assert.Zero(t, l.CheckFailureThreshold("click").FailureCount)
}

func TestCancelHasNoSideEffects(t *testing.T) {
	l, _ := newTestLimiter(Config{FailureThreshold: 5})

	l.StartRequest("x", 30*time.Millisecond)
	l.CancelRequest("x")

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, l.CheckFailureThreshold("x").FailureCount)
}

func TestCleanupEvictsStaleWindows(t *testing.T) {
	l, clk := newTestLimiter(Config{PerMinute: 10, PerHour: 100})

	l.RecordRequest("old")
	clk.advance(3 * time.Hour)
	l.RecordRequest("fresh")

	l.Cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.windows, "old")
	assert.Contains(t, l.windows, "fresh")
}
