package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReq(id, endpoint string) *pendingRequest {
	return &pendingRequest{
		id:        id,
		endpoint:  endpoint,
		ch:        make(chan outcome, 1),
		createdAt: time.Now(),
	}
}

func TestFulfilAtMostOnce(t *testing.T) {
	tb := newPendingTable()
	p := newReq("r1", "ep1")
	tb.add(p)

	require.True(t, tb.fulfil("r1", outcome{resp: &Response{ReplyTo: "r1"}}))
	assert.False(t, tb.fulfil("r1", outcome{err: ErrTimeout}), "повторная доставка того же id невозможна")

	o := <-p.ch
	require.NoError(t, o.err)
	assert.Equal(t, "r1", o.resp.ReplyTo)
	assert.Zero(t, tb.size())
}

func TestFulfilUnknownID(t *testing.T) {
	tb := newPendingTable()
	assert.False(t, tb.fulfil("ghost", outcome{}))
}

func TestTakeStopsTimer(t *testing.T) {
	tb := newPendingTable()
	p := newReq("r1", "ep1")
	fired := make(chan struct{}, 1)
	p.timer = time.AfterFunc(30*time.Millisecond, func() { fired <- struct{}{} })
	tb.add(p)

	require.NotNil(t, tb.take("r1"))
	assert.Nil(t, tb.take("r1"))

	select {
	case <-fired:
		t.Fatal("таймер должен быть снят вместе с записью")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestRejectWhereByEndpoint(t *testing.T) {
	tb := newPendingTable()
	mine := newReq("r1", "ep1")
	other := newReq("r2", "ep2")
	tb.add(mine)
	tb.add(other)

	n := tb.rejectWhere(func(p *pendingRequest) bool { return p.endpoint == "ep1" }, ErrDisconnected)
	assert.Equal(t, 1, n)

	o := <-mine.ch
	assert.ErrorIs(t, o.err, ErrDisconnected)

	// Чужой запрос не тронут
	assert.Equal(t, 1, tb.size())
	select {
	case <-other.ch:
		t.Fatal("запрос другого endpoint не должен быть отклонен")
	default:
	}
}

func TestSweepOlderThan(t *testing.T) {
	tb := newPendingTable()
	stale := newReq("old", "ep1")
	stale.createdAt = time.Now().Add(-time.Minute)
	fresh := newReq("new", "ep1")
	tb.add(stale)
	tb.add(fresh)

	assert.Equal(t, 1, tb.sweepOlderThan(30*time.Second))

	o := <-stale.ch
	assert.ErrorIs(t, o.err, ErrTimeout)
	assert.Equal(t, 1, tb.size())
}
