package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "soldprice:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig controls the distributed lock.
type RedisConfig struct {
	// TTL bounds how long a crashed holder can block the key.
	TTL time.Duration
	// Poll is the wait between acquisition attempts.
	Poll time.Duration
}

// Redis is a cross-process keyed lock built on SET NX with an expiry.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedis wraps client. Zero config values fall back to a 2m TTL and 100ms poll.
func NewRedis(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, cfg: cfg, logger: logger}, nil
}

// Lock polls until the key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.cfg.Poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
			r.logger.Warn("release lock failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
