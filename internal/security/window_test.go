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
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/a2ahub/a2a-engine/internal/config"
)

func TestMemoryWindowStore(t *testing.T) {
	store := NewMemoryWindowStore()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		n, err := store.Add(ctx, "k", base.Add(time.Duration(i)*time.Second), time.Minute)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if n != i+1 {
			t.Errorf("Expected count %d, got %d", i+1, n)
		}
	}

	n, _ := store.Add(ctx, "k", base.Add(61*time.Second), time.Minute)
	if n != 2 {
		t.Errorf("Expected hits older than the window to drop, got count %d", n)
	}

	until := base.Add(time.Hour)
	_ = store.Block(ctx, "k", until)
	got, _ := store.BlockedUntil(ctx, "k")
	if !got.Equal(until) {
		t.Errorf("Expected block until %v, got %v", until, got)
	}

	_ = store.Reset(ctx, "k")
	got, _ = store.BlockedUntil(ctx, "k")
	if !got.IsZero() {
		t.Errorf("Expected reset to clear block, got %v", got)
	}
	n, _ = store.Add(ctx, "k", base, time.Minute)
	if n != 1 {
		t.Errorf("Expected reset to clear hits, got count %d", n)
	}
}

func TestMemoryWindowStorePrune(t *testing.T) {
	store := NewMemoryWindowStore()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	_, _ = store.Add(ctx, "stale", base, time.Minute)
	_, _ = store.Add(ctx, "fresh", base.Add(10*time.Minute), time.Minute)
	_ = store.Block(ctx, "stale", base.Add(time.Minute))

	if removed := store.Prune(base.Add(5 * time.Minute)); removed != 1 {
		t.Errorf("Expected 1 key pruned, got %d", removed)
	}
	if until, _ := store.BlockedUntil(ctx, "stale"); !until.IsZero() {
		t.Error("Expected ended block to be pruned")
	}
}

func TestNewWindowStore(t *testing.T) {
	store, err := NewWindowStore(context.Background(), config.SecurityConfig{Backend: "memory"}, config.RedisConfig{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, ok := store.(*MemoryWindowStore); !ok {
		t.Errorf("Expected MemoryWindowStore, got %T", store)
	}

	if _, err := NewWindowStore(context.Background(), config.SecurityConfig{Backend: "etcd"}, config.RedisConfig{}); err == nil {
		t.Error("Expected error for unsupported backend")
	}
}

// TestRedisWindowStore_Integration requires a running Redis and is skipped
// otherwise.
func TestRedisWindowStore_Integration(t *testing.T) {
	store := NewRedisWindowStore("localhost:6379", "", 0)
	defer store.Close()
	ctx := context.Background()
	if err := store.client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "test-" + uuid.NewString()
	defer store.Reset(ctx, key)

	now := time.Now()
	for i := 0; i < 3; i++ {
		n, err := store.Add(ctx, key, now.Add(time.Duration(i)*time.Millisecond), time.Minute)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if n != i+1 {
			t.Errorf("Expected count %d, got %d", i+1, n)
		}
	}

	until := now.Add(time.Minute).Truncate(time.Microsecond)
	if err := store.Block(ctx, key, until); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	got, err := store.BlockedUntil(ctx, key)
	if err != nil {
		t.Fatalf("BlockedUntil failed: %v", err)
	}
	if !got.Equal(until) {
		t.Errorf("Expected block until %v, got %v", until, got)
	}

	if err := store.Reset(ctx, key); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if got, _ := store.BlockedUntil(ctx, key); !got.IsZero() {
		t.Errorf("Expected reset to clear block, got %v", got)
	}
}
