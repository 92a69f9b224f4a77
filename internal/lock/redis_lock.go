package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "lock:stock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock that was taken over by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis takes per-key locks with SET NX PX so that several server processes
// sharing one database never sell the same stock concurrently.
type Redis struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
}

func NewRedis(addr string, password string, db int, opts Options, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisWithClient(client, opts, logger)
}

func NewRedisWithClient(client *redis.Client, opts Options, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, opts: opts.withDefaults(), logger: logger}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Acquire(ctx context.Context, keys []string) (func(), error) {
	keys = normalizeKeys(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := r.acquireOne(ctx, keyPrefix+key, token); err != nil {
			r.release(ctx, held, token)
			return nil, err
		}
		held = append(held, keyPrefix+key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(ctx, held, token) })
	}, nil
}

func (r *Redis) acquireOne(ctx context.Context, key string, token string) error {
	for attempt := 0; attempt < r.opts.Retries; attempt++ {
		ok, err := r.client.SetNX(ctx, key, token, r.opts.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("lock acquire failed", zap.String("key", key), zap.Int("attempt", attempt+1), zap.Error(err))
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.RetryDelay):
		}
	}
	return fmt.Errorf("%w: %s", ErrBusy, key)
}

func (r *Redis) release(ctx context.Context, keys []string, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil {
			r.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}
}
