// Package queue delivers dispatch jobs to agents through per-agent Redis
// lists. Each eligible agent gets its own copy of the job and pops from its
// own key, so one slow agent never starves the others.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/probewatch/probewatch/internal/engine"
)

func agentQueueKey(agentName string) string {
	return "probewatch:tasks:" + agentName
}

// RedisDispatcher implements engine.Dispatcher on top of Redis lists.
type RedisDispatcher struct {
	client *redis.Client
}

// NewRedisDispatcher connects and pings the Redis backend.
func NewRedisDispatcher(ctx context.Context, addr, password string, db int) (*RedisDispatcher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisDispatcher{client: client}, nil
}

// Dispatch pushes the job onto every target agent's queue.
func (d *RedisDispatcher) Dispatch(ctx context.Context, job engine.DispatchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	for _, name := range job.AgentNames {
		if err := d.client.LPush(ctx, agentQueueKey(name), payload).Err(); err != nil {
			return fmt.Errorf("push to %s: %w", agentQueueKey(name), err)
		}
	}
	return nil
}

// Close releases the Redis connection.
func (d *RedisDispatcher) Close() error {
	return d.client.Close()
}
