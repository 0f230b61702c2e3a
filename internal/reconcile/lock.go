package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it is still held by the token that
// acquired it, so a slow holder cannot release a successor's lock.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// CompletionLock serializes session-completion requests per appointment.
type CompletionLock struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewCompletionLock(client *redis.Client, ttl time.Duration) *CompletionLock {
	if client == nil {
		panic("reconcile: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &CompletionLock{redis: client, ttl: ttl}
}

func lockKey(appointmentID uuid.UUID) string {
	return "completion:lock:" + appointmentID.String()
}

// Acquire takes the per-appointment lock. The second return value is false
// when another request already holds it.
func (l *CompletionLock) Acquire(ctx context.Context, appointmentID uuid.UUID) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, lockKey(appointmentID), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("reconcile: acquire completion lock: %w", err)
	}
	return token, ok, nil
}

// Release frees the lock if the token still owns it.
func (l *CompletionLock) Release(ctx context.Context, appointmentID uuid.UUID, token string) error {
	if err := releaseScript.Run(ctx, l.redis, []string{lockKey(appointmentID)}, token).Err(); err != nil {
		return fmt.Errorf("reconcile: release completion lock: %w", err)
	}
	return nil
}
