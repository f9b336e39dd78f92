package kv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

func setupRedisTest(t *testing.T) (*Redis, func()) {
	t.Helper()

	config := RedisConfig{
		URL:    "localhost:6379",
		DB:     15,
		Prefix: "test:kvkit:",
	}

	store, err := NewRedis(config)
	if err != nil {
		t.Skip("Redis not available:", err)
	}

	cleanup := func() {
		ctx := context.Background()
		iter := store.client.Scan(ctx, 0, config.Prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			store.client.Del(ctx, iter.Val())
		}
		store.Close()
	}

	return store, cleanup
}

func TestNewRedis_invalidConnection(t *testing.T) {
	_, err := NewRedis(RedisConfig{
		URL:         "localhost:9999",
		DialTimeout: 500 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("NewRedis() error = nil, want connection failure")
	}
}

func TestRedis_GetSetDelete(t *testing.T) {
	store, cleanup := setupRedisTest(t)
	defer cleanup()
	ctx := context.Background()

	if _, found, err := store.Get(ctx, "missing"); err != nil || found {
		t.Errorf("Get() = (found=%v, err=%v) for missing key, want (false, nil)", found, err)
	}

	if err := store.SetWithTTL(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}

	val, found, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found || val != "v" {
		t.Errorf("Get() = (%q, %v), want (%q, true)", val, found, "v")
	}

	existed, err := store.Delete(ctx, "k")
	if err != nil || !existed {
		t.Errorf("Delete() = (%v, %v), want (true, nil)", existed, err)
	}
	if exists, _ := store.Exists(ctx, "k"); exists {
		t.Error("Exists() = true after delete")
	}
}

func TestRedis_Increment(t *testing.T) {
	store, cleanup := setupRedisTest(t)
	defer cleanup()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, ttl, err := store.Increment(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if count != want {
			t.Errorf("Increment() count = %d, want %d", count, want)
		}
		if ttl <= 0 || ttl > time.Minute {
			t.Errorf("Increment() ttl = %v, want in (0, 1m]", ttl)
		}
	}
}

func TestRedis_IncrementConcurrent(t *testing.T) {
	store, cleanup := setupRedisTest(t)
	defer cleanup()
	ctx := context.Background()

	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			store.Increment(ctx, "concurrent", time.Minute)
		}()
	}
	wg.Wait()

	count, _, err := store.Increment(ctx, "concurrent", time.Minute)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if count != goroutines+1 {
		t.Errorf("Increment() count = %d, want %d (lost updates)", count, goroutines+1)
	}
}

func TestRedis_TTLAndExpire(t *testing.T) {
	store, cleanup := setupRedisTest(t)
	defer cleanup()
	ctx := context.Background()

	if ttl, err := store.TTL(ctx, "missing"); err != nil || ttl != NoTTL {
		t.Errorf("TTL() = (%v, %v) for missing key, want (NoTTL, nil)", ttl, err)
	}

	store.SetWithTTL(ctx, "k", "v", 0)
	if ttl, _ := store.TTL(ctx, "k"); ttl != NoTTL {
		t.Errorf("TTL() = %v for key without expiry, want NoTTL", ttl)
	}

	ok, err := store.Expire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expire() = (%v, %v), want (true, nil)", ok, err)
	}
	ttl, _ := store.TTL(ctx, "k")
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL() = %v after Expire, want in (0, 1m]", ttl)
	}
}

func TestRedis_Keys(t *testing.T) {
	store, cleanup := setupRedisTest(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.SetWithTTL(ctx, fmt.Sprintf("scan:%d", i), "v", time.Minute)
	}
	store.SetWithTTL(ctx, "other:0", "v", time.Minute)

	keys, err := store.Keys(ctx, "scan:*")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("Keys() = %v, want 3 matches", keys)
	}
	for _, k := range keys {
		if k == "other:0" {
			t.Errorf("Keys() matched %q outside pattern", k)
		}
	}
}

func TestRedis_SortedSet(t *testing.T) {
	store, cleanup := setupRedisTest(t)
	defer cleanup()
	ctx := context.Background()

	for i, member := range []string{"a", "b", "c", "d", "e"} {
		if err := store.SortedSetAdd(ctx, "log", float64(i+1), member); err != nil {
			t.Fatalf("SortedSetAdd() error = %v", err)
		}
	}

	members, err := store.SortedSetRangeByScore(ctx, "log", 2, 4)
	if err != nil {
		t.Fatalf("SortedSetRangeByScore() error = %v", err)
	}
	if len(members) != 3 || members[0] != "b" || members[2] != "d" {
		t.Errorf("SortedSetRangeByScore() = %v, want [b c d]", members)
	}

	removed, err := store.SortedSetRemoveByScore(ctx, "log", math.Inf(-1), 2)
	if err != nil {
		t.Fatalf("SortedSetRemoveByScore() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("SortedSetRemoveByScore() removed = %d, want 2", removed)
	}

	removed, err = store.SortedSetTrim(ctx, "log", 1)
	if err != nil {
		t.Fatalf("SortedSetTrim() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("SortedSetTrim() removed = %d, want 2", removed)
	}

	n, _ := store.SortedSetLen(ctx, "log")
	if n != 1 {
		t.Errorf("SortedSetLen() = %d, want 1", n)
	}
	members, _ = store.SortedSetRangeByScore(ctx, "log", math.Inf(-1), math.Inf(1))
	if len(members) != 1 || members[0] != "e" {
		t.Errorf("SortedSetTrim() kept %v, want [e]", members)
	}
}

func TestRedis_UnavailableErrors(t *testing.T) {
	store, cleanup := setupRedisTest(t)
	cleanup() // close the client so operations fail
	ctx := context.Background()

	_, _, err := store.Get(ctx, "k")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get() error = %v, want ErrUnavailable", err)
	}
	if err := store.SetWithTTL(ctx, "k", "v", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("SetWithTTL() error = %v, want ErrUnavailable", err)
	}
	if _, _, err := store.Increment(ctx, "k", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Increment() error = %v, want ErrUnavailable", err)
	}
}
