package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release only deletes the key if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Lock is a single-holder Redis lock (SET NX EX).
type Lock struct {
	client     *redis.Client
	key        string
	token      string
	expiration time.Duration
}

// NewGenerationLock guards processing of one generation id across workers.
func NewGenerationLock(client *redis.Client, generationID string, ttl time.Duration) *Lock {
	return &Lock{
		client:     client,
		key:        fmt.Sprintf("%slock:generation:%s", keyPrefix, generationID),
		token:      uuid.NewString(),
		expiration: ttl,
	}
}

// TryLock attempts to take the lock without waiting.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *Lock) Unlock(ctx context.Context) error {
	if err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
