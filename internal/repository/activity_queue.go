package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

// RedisActivityQueue records audit entries by pushing them onto a Redis list
// drained by the activity worker.
type RedisActivityQueue struct {
	rdb *redis.Client
}

// NewRedisActivityQueue creates a new RedisActivityQueue.
func NewRedisActivityQueue(rdb *redis.Client) *RedisActivityQueue {
	return &RedisActivityQueue{rdb: rdb}
}

// Record implements ActivityRecorder.
func (q *RedisActivityQueue) Record(ctx context.Context, entry model.ActivityLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	if err := q.rdb.RPush(ctx, config.WorkerKey.PersistActivityQueue, data).Err(); err != nil {
		return fmt.Errorf("enqueue activity: %w", err)
	}
	return nil
}
