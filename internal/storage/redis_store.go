package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-sync/internal/models"
)

// RedisStore keeps the current trip as a JSON value per passenger.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. A zero ttl keeps entries until
// they are cleared.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "rider-sync"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(passengerID string) string {
	return r.prefix + ":current_trip:" + passengerID
}

func (r *RedisStore) SaveCurrent(ctx context.Context, passengerID string, t models.Trip) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trip: %w", err)
	}
	if err := r.client.Set(ctx, r.key(passengerID), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadCurrent(ctx context.Context, passengerID string) (*models.Trip, error) {
	b, err := r.client.Get(ctx, r.key(passengerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var t models.Trip
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode trip: %w", err)
	}
	return &t, nil
}

func (r *RedisStore) ClearCurrent(ctx context.Context, passengerID string) error {
	if err := r.client.Del(ctx, r.key(passengerID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
