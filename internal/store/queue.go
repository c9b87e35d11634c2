package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PushTask appends a record to the tail of the named task queue
func (s *Store) PushTask(ctx context.Context, queue string, record []byte) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if err := s.client.RPush(ctx, s.fullKey(TaskQueueKey(queue)), record).Err(); err != nil {
		return fmt.Errorf("task queue push %s: %w", queue, err)
	}
	return nil
}

// PopTask removes and returns the head of the named task queue, or
// ErrNotFound when it is empty.
func (s *Store) PopTask(ctx context.Context, queue string) ([]byte, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	data, err := s.client.LPop(ctx, s.fullKey(TaskQueueKey(queue))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("task queue pop %s: %w", queue, err)
	}
	return data, nil
}

// TaskQueueLen returns the number of pending records
func (s *Store) TaskQueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := s.client.LLen(ctx, s.fullKey(TaskQueueKey(queue))).Result()
	if err != nil {
		return 0, fmt.Errorf("task queue len %s: %w", queue, err)
	}
	return n, nil
}
