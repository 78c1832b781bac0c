// Package cache provides the optional Idempotency-Key replay cache. The
// engine's own body-level idempotence is authoritative; this layer only
// fast-paths replays of identical mutating requests through Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound     = errors.New("idempotency key not found")
	ErrHashMismatch = errors.New("idempotency key body mismatch")
)

const redisKeyPrefix = "idempotency"

// Record is one cached response.
type Record struct {
	Key         string `json:"key"`
	RequestHash string `json:"hash"`
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
	ContentType string `json:"content_type"`
}

// Replay is a Redis-backed response cache keyed by Idempotency-Key.
type Replay struct {
	redis redis.Cmdable
	ttl   time.Duration
}

// NewReplay wraps a Redis client with the given record TTL.
func NewReplay(rdb redis.Cmdable, ttl time.Duration) *Replay {
	return &Replay{redis: rdb, ttl: ttl}
}

// Lookup returns the cached response for key, failing with ErrHashMismatch
// when the same key was used with a different request body.
func (c *Replay) Lookup(ctx context.Context, key, requestHash string) (*Record, error) {
	val, err := c.redis.Get(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("replay lookup: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("decode replay record: %w", err)
	}
	if rec.RequestHash != requestHash {
		return nil, ErrHashMismatch
	}
	return &rec, nil
}

// Save caches a finalized response.
func (c *Replay) Save(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode replay record: %w", err)
	}
	if err := c.redis.Set(ctx, redisKey(rec.Key), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("replay save: %w", err)
	}
	return nil
}

func redisKey(key string) string {
	return fmt.Sprintf("%s:%s", redisKeyPrefix, key)
}
