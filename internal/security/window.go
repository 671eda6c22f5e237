/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package security

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/a2ahub/a2a-engine/internal/config"
)

// WindowStore keeps sliding-window hit counts and cool-down blocks per key.
type WindowStore interface {
	// Add records a hit at the given time and returns the number of hits in
	// the half-open window (at-window, at].
	Add(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)
	// Block marks key as blocked until the given time.
	Block(ctx context.Context, key string, until time.Time) error
	// BlockedUntil returns the end of the current block, or the zero time.
	BlockedUntil(ctx context.Context, key string) (time.Time, error)
	// Reset drops hits and any block for key.
	Reset(ctx context.Context, key string) error
	Close() error
}

// NewWindowStore builds the store selected by cfg.Backend
func NewWindowStore(ctx context.Context, cfg config.SecurityConfig, redisCfg config.RedisConfig) (WindowStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryWindowStore(), nil
	case "redis":
		store := NewRedisWindowStore(redisCfg.Address, redisCfg.Password, redisCfg.DB)
		if err := store.client.Ping(ctx).Err(); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", redisCfg.Address, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported security backend: %s", cfg.Backend)
	}
}

// MemoryWindowStore is a process-local WindowStore
type MemoryWindowStore struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	blocks map[string]time.Time
}

// NewMemoryWindowStore creates an empty in-memory store
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		hits:   make(map[string][]time.Time),
		blocks: make(map[string]time.Time),
	}
}

// Add implements WindowStore
func (m *MemoryWindowStore) Add(_ context.Context, key string, at time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := at.Add(-window)
	hits := m.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = append(hits[i:], at)
	m.hits[key] = hits
	return len(hits), nil
}

// Block implements WindowStore
func (m *MemoryWindowStore) Block(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	m.blocks[key] = until
	m.mu.Unlock()
	return nil
}

// BlockedUntil implements WindowStore
func (m *MemoryWindowStore) BlockedUntil(_ context.Context, key string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[key], nil
}

// Reset implements WindowStore
func (m *MemoryWindowStore) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.hits, key)
	delete(m.blocks, key)
	m.mu.Unlock()
	return nil
}

// Prune drops hit histories with nothing newer than before and blocks that
// ended before it. It returns the number of keys removed.
func (m *MemoryWindowStore) Prune(before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, hits := range m.hits {
		if len(hits) == 0 || hits[len(hits)-1].Before(before) {
			delete(m.hits, key)
			removed++
		}
	}
	for key, until := range m.blocks {
		if until.Before(before) {
			delete(m.blocks, key)
		}
	}
	return removed
}

// Close implements WindowStore
func (m *MemoryWindowStore) Close() error { return nil }

// RedisWindowStore keeps one sorted set per key, scored by hit time in
// microseconds, so every node sharing the redis sees the same window.
type RedisWindowStore struct {
	client *redis.Client
	prefix string
}

// NewRedisWindowStore creates a store backed by redis
func NewRedisWindowStore(addr, password string, db int) *RedisWindowStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisWindowStore{client: rdb, prefix: "a2a:security:"}
}

func (r *RedisWindowStore) windowKey(key string) string { return r.prefix + "window:" + key }
func (r *RedisWindowStore) blockKey(key string) string  { return r.prefix + "block:" + key }

// Add implements WindowStore
func (r *RedisWindowStore) Add(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	k := r.windowKey(key)
	score := at.UnixMicro()
	cutoff := at.Add(-window).UnixMicro()
	member := strconv.FormatInt(score, 10) + ":" + uuid.NewString()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(score), Member: member})
	card := pipe.ZCard(ctx, k)
	pipe.PExpire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis window error: %w", err)
	}
	return int(card.Val()), nil
}

// Block implements WindowStore
func (r *RedisWindowStore) Block(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.blockKey(key), until.UnixMicro(), ttl).Err()
}

// BlockedUntil implements WindowStore
func (r *RedisWindowStore) BlockedUntil(ctx context.Context, key string) (time.Time, error) {
	v, err := r.client.Get(ctx, r.blockKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis block lookup error: %w", err)
	}
	return time.UnixMicro(v), nil
}

// Reset implements WindowStore
func (r *RedisWindowStore) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.windowKey(key), r.blockKey(key)).Err()
}

// Close implements WindowStore
func (r *RedisWindowStore) Close() error {
	return r.client.Close()
}
