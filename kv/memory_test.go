package kv

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"
)

func TestMemory_GetSet(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if _, found, _ := m.Get(ctx, "missing"); found {
		t.Error("Get() found = true for missing key")
	}

	if err := m.SetWithTTL(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}

	val, found, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found || val != "v" {
		t.Errorf("Get() = (%q, %v), want (%q, true)", val, found, "v")
	}
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.SetWithTTL(ctx, "k", "v", 20*time.Millisecond); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if _, found, _ := m.Get(ctx, "k"); found {
		t.Error("Get() found expired key")
	}
	if exists, _ := m.Exists(ctx, "k"); exists {
		t.Error("Exists() = true for expired key")
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.SetWithTTL(ctx, "k", "v", time.Minute)

	existed, err := m.Delete(ctx, "k")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !existed {
		t.Error("Delete() existed = false, want true")
	}

	existed, _ = m.Delete(ctx, "k")
	if existed {
		t.Error("Delete() existed = true for missing key")
	}
}

func TestMemory_Increment(t *testing.T) {
	tests := []struct {
		name   string
		calls  int
		window time.Duration
		want   int64
	}{
		{name: "first increment", calls: 1, window: time.Minute, want: 1},
		{name: "repeat increments", calls: 5, window: time.Minute, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory()
			defer m.Close()
			ctx := context.Background()

			var count int64
			var ttl time.Duration
			var err error
			for i := 0; i < tt.calls; i++ {
				count, ttl, err = m.Increment(ctx, "counter", tt.window)
				if err != nil {
					t.Fatalf("Increment() error = %v", err)
				}
			}
			if count != tt.want {
				t.Errorf("Increment() count = %d, want %d", count, tt.want)
			}
			if ttl <= 0 || ttl > tt.window {
				t.Errorf("Increment() ttl = %v, want in (0, %v]", ttl, tt.window)
			}
		})
	}
}

func TestMemory_IncrementExpiredResets(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Increment(ctx, "counter", 20*time.Millisecond)
	}
	time.Sleep(40 * time.Millisecond)

	count, _, err := m.Increment(ctx, "counter", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Increment() after expiry count = %d, want 1", count)
	}
}

func TestMemory_IncrementConcurrent(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			m.Increment(ctx, "counter", time.Minute)
		}()
	}
	wg.Wait()

	count, _, err := m.Increment(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if count != goroutines+1 {
		t.Errorf("Increment() count = %d, want %d (lost updates)", count, goroutines+1)
	}
}

func TestMemory_TTL(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if ttl, _ := m.TTL(ctx, "missing"); ttl != NoTTL {
		t.Errorf("TTL() = %v for missing key, want NoTTL", ttl)
	}

	m.SetWithTTL(ctx, "forever", "v", 0)
	if ttl, _ := m.TTL(ctx, "forever"); ttl != NoTTL {
		t.Errorf("TTL() = %v for key without expiry, want NoTTL", ttl)
	}

	m.SetWithTTL(ctx, "k", "v", time.Minute)
	ttl, err := m.TTL(ctx, "k")
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL() = %v, want in (0, 1m]", ttl)
	}
}

func TestMemory_Expire(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if ok, _ := m.Expire(ctx, "missing", time.Minute); ok {
		t.Error("Expire() = true for missing key")
	}

	m.SetWithTTL(ctx, "k", "v", 0)
	ok, err := m.Expire(ctx, "k", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Expire() = (%v, %v), want (true, nil)", ok, err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, found, _ := m.Get(ctx, "k"); found {
		t.Error("Get() found key past Expire deadline")
	}
}

func TestMemory_Keys(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.SetWithTTL(ctx, "cache:v1:a", "1", time.Minute)
	m.SetWithTTL(ctx, "cache:v1:b", "2", time.Minute)
	m.SetWithTTL(ctx, "otp:x", "3", time.Minute)
	m.SortedSetAdd(ctx, "cache:v1:z", 1, "m")

	keys, err := m.Keys(ctx, "cache:v1:*")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("Keys() = %v, want 3 matches", keys)
	}
	for _, k := range keys {
		if k == "otp:x" {
			t.Errorf("Keys() matched %q outside pattern", k)
		}
	}
}

func TestMemory_SortedSet(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	for i, member := range []string{"a", "b", "c", "d"} {
		if err := m.SortedSetAdd(ctx, "log", float64(i+1), member); err != nil {
			t.Fatalf("SortedSetAdd() error = %v", err)
		}
	}

	t.Run("range by score", func(t *testing.T) {
		members, err := m.SortedSetRangeByScore(ctx, "log", 2, 3)
		if err != nil {
			t.Fatalf("SortedSetRangeByScore() error = %v", err)
		}
		if len(members) != 2 || members[0] != "b" || members[1] != "c" {
			t.Errorf("SortedSetRangeByScore() = %v, want [b c]", members)
		}
	})

	t.Run("full range", func(t *testing.T) {
		members, _ := m.SortedSetRangeByScore(ctx, "log", math.Inf(-1), math.Inf(1))
		if len(members) != 4 {
			t.Errorf("SortedSetRangeByScore() = %v, want 4 members", members)
		}
	})

	t.Run("updating member keeps one copy", func(t *testing.T) {
		m.SortedSetAdd(ctx, "log", 10, "a")
		n, _ := m.SortedSetLen(ctx, "log")
		if n != 4 {
			t.Errorf("SortedSetLen() = %d after re-add, want 4", n)
		}
	})

	t.Run("remove by score", func(t *testing.T) {
		removed, err := m.SortedSetRemoveByScore(ctx, "log", math.Inf(-1), 2)
		if err != nil {
			t.Fatalf("SortedSetRemoveByScore() error = %v", err)
		}
		if removed != 1 {
			t.Errorf("SortedSetRemoveByScore() removed = %d, want 1", removed)
		}
	})
}

func TestMemory_SortedSetTrim(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		m.SortedSetAdd(ctx, "log", float64(i), string(rune('a'+i)))
	}

	removed, err := m.SortedSetTrim(ctx, "log", 4)
	if err != nil {
		t.Fatalf("SortedSetTrim() error = %v", err)
	}
	if removed != 6 {
		t.Errorf("SortedSetTrim() removed = %d, want 6", removed)
	}

	members, _ := m.SortedSetRangeByScore(ctx, "log", math.Inf(-1), math.Inf(1))
	if len(members) != 4 {
		t.Fatalf("SortedSetRangeByScore() = %v, want 4 members", members)
	}
	// The highest-scored members survive.
	if members[0] != "g" || members[3] != "j" {
		t.Errorf("SortedSetTrim() kept %v, want [g h i j]", members)
	}
}

func TestMemory_SortedSetExpire(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.SortedSetAdd(ctx, "tagset", 1, "m")
	ok, err := m.Expire(ctx, "tagset", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Expire() = (%v, %v), want (true, nil)", ok, err)
	}
	time.Sleep(40 * time.Millisecond)

	n, _ := m.SortedSetLen(ctx, "tagset")
	if n != 0 {
		t.Errorf("SortedSetLen() = %d past expiry, want 0", n)
	}
}
