// Package cancel holds cooperative cancellation flags for running jobs.
package cancel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FlagTTL bounds how long a flag outlives a job that never checks it.
const FlagTTL = 24 * time.Hour

// Flags are checked by the orchestrator between steps. Setting a flag for a
// job that already finished has no effect.
type Flags interface {
	Request(ctx context.Context, jobID string) error
	Requested(ctx context.Context, jobID string) (bool, error)
	Clear(ctx context.Context, jobID string) error
}

type MemoryFlags struct {
	mu    sync.RWMutex
	flags map[string]struct{}
}

var _ Flags = (*MemoryFlags)(nil)

func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{flags: make(map[string]struct{})}
}

func (m *MemoryFlags) Request(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[jobID] = struct{}{}
	return nil
}

func (m *MemoryFlags) Requested(_ context.Context, jobID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.flags[jobID]
	return ok, nil
}

func (m *MemoryFlags) Clear(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, jobID)
	return nil
}

// RedisFlags shares flags between processes, so `cancel` can be issued from a
// different invocation than the one running the job.
type RedisFlags struct {
	client *redis.Client
}

var _ Flags = (*RedisFlags)(nil)

func NewRedisFlags(client *redis.Client) *RedisFlags {
	return &RedisFlags{client: client}
}

func key(jobID string) string {
	return "sat:job:" + jobID + ":cancel"
}

func (r *RedisFlags) Request(ctx context.Context, jobID string) error {
	return r.client.Set(ctx, key(jobID), "1", FlagTTL).Err()
}

func (r *RedisFlags) Requested(ctx context.Context, jobID string) (bool, error) {
	err := r.client.Get(ctx, key(jobID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisFlags) Clear(ctx context.Context, jobID string) error {
	return r.client.Del(ctx, key(jobID)).Err()
}

func (r *RedisFlags) Close() error {
	return r.client.Close()
}
