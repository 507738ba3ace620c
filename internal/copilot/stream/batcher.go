package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zenflow/copilot-stream/internal/pkg/logger"
)

// BatcherConfig tunes the flush scheduling
type BatcherConfig struct {
	// MinInterval is the target spacing between flushes
	MinInterval time.Duration `mapstructure:"min_interval"`
	// MaxInterval forces an immediate flush when this much time has passed
	// since the last one
	MaxInterval time.Duration `mapstructure:"max_interval"`
	// MaxPending forces an immediate flush once this many distinct messages
	// have accumulated
	MaxPending int `mapstructure:"max_pending"`
}

// DefaultBatcherConfig mirrors one UI frame (16ms) with a 50ms staleness
// ceiling and a small queue bound.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MinInterval: 16 * time.Millisecond,
		MaxInterval: 50 * time.Millisecond,
		MaxPending:  5,
	}
}

// CommitFunc receives the drained pending set. The session implementation
// snapshots each context under its own lock before touching the message
// list.
type CommitFunc func(pending map[string]*TurnContext)

// Batcher coalesces high-frequency assembler mutations into a bounded
// number of commits. At most one flush callback is scheduled at a time;
// queue size and staleness act as escape valves that pull the flush
// forward.
type Batcher struct {
	mu        sync.Mutex
	cfg       BatcherConfig
	commit    CommitFunc
	log       *logger.Logger
	pending   map[string]*TurnContext
	scheduled bool
	timer     *time.Timer
	lastFlush time.Time
	closed    bool

	flushes int64
}

// NewBatcher creates a batcher committing through fn
func NewBatcher(cfg BatcherConfig, fn CommitFunc, log *logger.Logger) *Batcher {
	if cfg.MinInterval <= 0 {
		cfg = DefaultBatcherConfig()
	}
	if log == nil {
		log = logger.L()
	}
	return &Batcher{
		cfg:       cfg,
		commit:    fn,
		log:       log,
		pending:   make(map[string]*TurnContext),
		lastFlush: time.Now(),
	}
}

// Enqueue records that the turn context has pending mutations and schedules
// a flush according to the policy.
func (b *Batcher) Enqueue(tc *TurnContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending[tc.MessageID] = tc

	elapsed := time.Since(b.lastFlush)
	immediate := len(b.pending) >= b.cfg.MaxPending || elapsed > b.cfg.MaxInterval

	if b.scheduled {
		if immediate {
			b.timer.Reset(0)
		}
		return
	}

	delay := b.cfg.MinInterval - elapsed
	if immediate || delay < 0 {
		delay = 0
	}
	b.scheduled = true
	b.timer = time.AfterFunc(delay, b.flush)
}

// flush drains the pending set and commits it
func (b *Batcher) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.scheduled = false
		b.mu.Unlock()
		return
	}
	snapshot := b.pending
	b.pending = make(map[string]*TurnContext)
	b.scheduled = false
	b.lastFlush = time.Now()
	b.flushes++
	b.mu.Unlock()

	b.commit(snapshot)
}

// FlushNow commits synchronously, cancelling any scheduled flush. Used when
// finalizing a turn so the committed list reflects the terminal state.
func (b *Batcher) FlushNow() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.scheduled = false
	b.mu.Unlock()
	b.flush()
}

// Flushes returns how many commits have run
func (b *Batcher) Flushes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

// Close stops the batcher. Pending updates are dropped; callers flush first
// when they care.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.pending = make(map[string]*TurnContext)
	b.log.Debug("batcher closed", zap.Int64("flushes", b.flushes))
}
