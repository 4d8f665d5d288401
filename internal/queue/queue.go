package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const generationQueueKey = keyPrefix + "generation_queue"

// Queue is the FIFO list of generation ids waiting for a worker.
type Queue struct {
	client *redis.Client
	key    string
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client, key: generationQueueKey}
}

func (q *Queue) Push(ctx context.Context, generationID string) error {
	if err := q.client.LPush(ctx, q.key, generationID).Err(); err != nil {
		return fmt.Errorf("push generation %s: %w", generationID, err)
	}
	return nil
}

// Pop blocks up to timeout for the next id. An empty id with nil error means the wait timed out.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("pop generation: %w", err)
	}
	// BRPOP replies with [key, value].
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
