package distlock

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisGuard is SET NX with TTL plus a background refresher. The random
// owner token and Lua release keep one worker from dropping a lock that
// a successor already re-acquired after TTL expiry.
type redisGuard struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	mu      sync.Mutex
	stopRef chan struct{}
}

func newRedisGuard(client *redis.Client, name string, ttl time.Duration) *redisGuard {
	return &redisGuard{
		client: client,
		key:    "outreach:worker-lock:" + name,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (g *redisGuard) Acquire(ctx context.Context) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key, g.token, g.ttl).Result()
	if err != nil || !ok {
		return false, err
	}

	g.mu.Lock()
	g.stopRef = make(chan struct{})
	go g.refresh(g.stopRef)
	g.mu.Unlock()
	return true, nil
}

// refresh extends the TTL at a third of its length so a healthy worker
// never loses the lock, while a crashed one frees it within ttl.
func (g *redisGuard) refresh(stop chan struct{}) {
	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()

	extend := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			res, err := extend.Run(ctx, g.client, []string{g.key}, g.token, g.ttl.Milliseconds()).Result()
			cancel()
			if err != nil {
				log.Printf("[distlock] extend %s: %v", g.key, err)
			} else if n, ok := res.(int64); ok && n == 0 {
				log.Printf("[distlock] lost ownership of %s", g.key)
				return
			}
		}
	}
}

func (g *redisGuard) Release(ctx context.Context) error {
	g.mu.Lock()
	if g.stopRef != nil {
		close(g.stopRef)
		g.stopRef = nil
	}
	g.mu.Unlock()

	release := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	_, err := release.Run(ctx, g.client, []string{g.key}, g.token).Result()
	return err
}
