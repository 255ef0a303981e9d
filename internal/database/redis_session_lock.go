package database

import (
	"context"
	"fmt"
	"time"

	"adventure-server/internal/interfaces"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ interfaces.SessionLocker = (*redisSessionLock)(nil)

const sessionLockPrefix = "adventure:session-lock:"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type redisSessionLock struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewRedisSessionLock returns a SessionLocker shared by all instances using the same Redis.
// ttl bounds how long a crashed holder can block a session.
func NewRedisSessionLock(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) interfaces.SessionLocker {
	return &redisSessionLock{
		client:     client,
		ttl:        ttl,
		retryDelay: 100 * time.Millisecond,
		logger:     logger.Named("RedisSessionLock"),
	}
}

func (l *redisSessionLock) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := sessionLockPrefix + key
	token := uuid.NewString()
	log := l.logger.With(zap.String("key", key))

	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			log.Error("Failed to acquire session lock", zap.Error(err))
			return nil, fmt.Errorf("failed to acquire session lock: %w", err)
		}
		if ok {
			log.Debug("Session lock acquired")
			return func() { l.release(redisKey, token, log) }, nil
		}
		select {
		case <-ctx.Done():
			log.Warn("Gave up waiting for session lock", zap.Error(ctx.Err()))
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *redisSessionLock) release(redisKey, token string, log *zap.Logger) {
	// the request context may already be gone
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
		log.Error("Failed to release session lock", zap.Error(err))
		return
	}
	log.Debug("Session lock released")
}
