package workerpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Stats counts task outcomes
type Stats struct {
	mu sync.Mutex

	Submitted int64
	Completed int64
	Running   int64
}

func (s *Stats) incSubmitted() {
	s.mu.Lock()
	s.Submitted++
	s.Running++
	s.mu.Unlock()
}

func (s *Stats) incCompleted() {
	s.mu.Lock()
	s.Completed++
	s.Running--
	s.mu.Unlock()
}

// Get returns a copy of the counters
func (s *Stats) Get() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Submitted: s.Submitted, Completed: s.Completed, Running: s.Running}
}

// Pool runs deferred tasks, typically tool actions, on a bounded set of
// workers. Panics inside a task are logged and absorbed so one bad action
// cannot take a worker down.
type Pool struct {
	pool   *ants.Pool
	stats  *Stats
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a pool with size workers
func New(size int, log *zap.Logger) (*Pool, error) {
	if size <= 0 {
		size = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	antsPool, err := ants.NewPool(size,
		ants.WithPanicHandler(func(r interface{}) {
			log.Error("worker panic", zap.Any("error", r))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create ants pool: %w", err)
	}
	return &Pool{pool: antsPool, stats: &Stats{}, logger: log}, nil
}

// Submit schedules task on a worker
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	p.stats.incSubmitted()
	err := p.pool.Submit(func() {
		defer p.stats.incCompleted()
		task()
	})
	if err != nil {
		p.stats.incCompleted()
		return fmt.Errorf("submit task: %w", err)
	}
	return nil
}

// Running returns the number of busy workers
func (p *Pool) Running() int { return p.pool.Running() }

// Free returns the number of idle workers
func (p *Pool) Free() int { return p.pool.Free() }

// Stats returns the task counters
func (p *Pool) Stats() Stats { return p.stats.Get() }

// Release shuts the pool down. Queued tasks still run; new submissions are
// rejected.
func (p *Pool) Release() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.pool.Release()
}
