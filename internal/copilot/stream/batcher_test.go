package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commitRecorder struct {
	mu      sync.Mutex
	commits []map[string]*TurnContext
}

func (r *commitRecorder) commit(pending map[string]*TurnContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, pending)
}

func (r *commitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits)
}

func TestBatcherCoalescesFlood(t *testing.T) {
	rec := &commitRecorder{}
	b := NewBatcher(DefaultBatcherConfig(), rec.commit, nil)
	defer b.Close()

	tc := NewTurnContext("m1")
	for i := 0; i < 1000; i++ {
		b.Enqueue(tc)
	}
	b.FlushNow()

	// 1000 mutations within a few milliseconds collapse into a handful of
	// commits, not one per enqueue.
	assert.Less(t, rec.count(), 20)
	assert.GreaterOrEqual(t, rec.count(), 1)
}

func TestBatcherFlushCarriesLatestContext(t *testing.T) {
	rec := &commitRecorder{}
	b := NewBatcher(DefaultBatcherConfig(), rec.commit, nil)
	defer b.Close()

	tc := NewTurnContext("m1")
	b.Enqueue(tc)
	b.FlushNow()

	require.Equal(t, 1, rec.count())
	got, ok := rec.commits[0]["m1"]
	require.True(t, ok)
	assert.Same(t, tc, got)
}

func TestBatcherMaxPendingForcesImmediateFlush(t *testing.T) {
	rec := &commitRecorder{}
	cfg := BatcherConfig{
		MinInterval: time.Hour, // never fires on its own
		MaxInterval: time.Hour,
		MaxPending:  3,
	}
	b := NewBatcher(cfg, rec.commit, nil)
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.Enqueue(NewTurnContext(string(rune('a' + i))))
	}

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.commits[0], 3)
}

func TestBatcherScheduledFlushFires(t *testing.T) {
	rec := &commitRecorder{}
	cfg := BatcherConfig{
		MinInterval: 5 * time.Millisecond,
		MaxInterval: 50 * time.Millisecond,
		MaxPending:  100,
	}
	b := NewBatcher(cfg, rec.commit, nil)
	defer b.Close()

	b.Enqueue(NewTurnContext("m1"))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
}

func TestBatcherFlushNowOnEmptyIsNoop(t *testing.T) {
	rec := &commitRecorder{}
	b := NewBatcher(DefaultBatcherConfig(), rec.commit, nil)
	defer b.Close()

	b.FlushNow()
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, int64(0), b.Flushes())
}

func TestBatcherClosedDropsEnqueues(t *testing.T) {
	rec := &commitRecorder{}
	b := NewBatcher(DefaultBatcherConfig(), rec.commit, nil)
	b.Close()

	b.Enqueue(NewTurnContext("m1"))
	b.FlushNow()
	assert.Equal(t, 0, rec.count())
}
