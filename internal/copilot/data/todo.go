package data

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zenflow/copilot-stream/internal/pkg/logger"
	"github.com/zenflow/copilot-stream/internal/pkg/redis"
)

const todoKeyPrefix = "todo:"

// RedisTodoStore mirrors workflow todo statuses into redis so the panel's
// todo sidebar can poll them independently of the chat stream.
type RedisTodoStore struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisTodoStore creates the store. A zero ttl keeps entries forever.
func NewRedisTodoStore(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisTodoStore {
	if log == nil {
		log = logger.L()
	}
	return &RedisTodoStore{client: client, ttl: ttl, log: log}
}

// SetStatus writes the todo's status hash
func (s *RedisTodoStore) SetStatus(ctx context.Context, todoID, status string) error {
	key := todoKeyPrefix + todoID
	err := s.client.HSet(ctx, key,
		"status", status,
		"updated_at", time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl); err != nil {
			s.log.Warn("todo ttl update failed", zap.String("todo_id", todoID), zap.Error(err))
		}
	}
	return nil
}

// Status reads a todo's current status
func (s *RedisTodoStore) Status(ctx context.Context, todoID string) (string, error) {
	return s.client.HGet(ctx, todoKeyPrefix+todoID, "status")
}

// MemoryTodoStore is an in-process fallback used when redis is not
// configured, and in tests.
type MemoryTodoStore struct {
	mu       sync.Mutex
	statuses map[string]string
}

// NewMemoryTodoStore creates an empty store
func NewMemoryTodoStore() *MemoryTodoStore {
	return &MemoryTodoStore{statuses: make(map[string]string)}
}

// SetStatus records the todo's status
func (s *MemoryTodoStore) SetStatus(_ context.Context, todoID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[todoID] = status
	return nil
}

// Status returns the recorded status, if any
func (s *MemoryTodoStore) Status(todoID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.statuses[todoID]
	return v, ok
}
