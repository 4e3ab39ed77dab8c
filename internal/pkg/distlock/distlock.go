// Package distlock guards the three singleton campaign workers so only
// one instance of each runs cluster-wide. Redis is preferred when
// configured (TTL-based, survives worker crashes); otherwise the guard
// rides a session-scoped Postgres advisory lock, which the database
// releases if the holding connection drops.
package distlock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eventops/outreach/internal/store"
)

// Guard is a held-or-not singleton lock for one worker.
type Guard interface {
	// Acquire tries once, non-blocking. True means this process owns the
	// worker now.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the worker up. Safe to call when not held.
	Release(ctx context.Context) error
}

// Manager builds guards against whichever backend is available.
type Manager struct {
	redis *redis.Client
	store *store.Store
	ttl   time.Duration
}

func NewManager(rc *redis.Client, st *store.Store) *Manager {
	return &Manager{redis: rc, store: st, ttl: 5 * time.Minute}
}

// Guard returns the lock for one worker. name keys the Redis entry; key
// is the fixed advisory-lock integer for the Postgres fallback.
func (m *Manager) Guard(name string, key int64) Guard {
	if m.redis != nil {
		return newRedisGuard(m.redis, name, m.ttl)
	}
	return &pgGuard{store: m.store, key: key}
}

// pgGuard holds a session advisory lock on a pinned connection.
type pgGuard struct {
	store *store.Store
	key   int64
	held  *store.WorkerLock
}

func (g *pgGuard) Acquire(ctx context.Context) (bool, error) {
	if g.held != nil {
		return true, nil
	}
	lock, err := g.store.AcquireWorkerLock(ctx, g.key)
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	g.held = lock
	return true, nil
}

func (g *pgGuard) Release(ctx context.Context) error {
	if g.held == nil {
		return nil
	}
	g.held.Release(ctx)
	g.held = nil
	return nil
}
