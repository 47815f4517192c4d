package cache

import (
	"testing"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestMemoryStoreSetGet(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	store.Now = fixedClock(base)

	store.Set("data:jobs", []string{"a", "b"}, 5*time.Minute)

	value, ok := store.Get("data:jobs")
	if !ok {
		t.Fatal("expected hit for fresh entry")
	}
	jobs, ok := value.([]string)
	if !ok || len(jobs) != 2 {
		t.Fatalf("unexpected value: %#v", value)
	}

	if _, ok := store.Get("data:missing"); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestMemoryStoreLazyExpiry(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	store.Now = fixedClock(base)
	store.Set("key", "value", time.Minute)

	// Exactly at expiry the entry is still present; strictly after it is gone.
	store.Now = fixedClock(base.Add(time.Minute))
	if _, ok := store.Get("key"); !ok {
		t.Fatal("entry at exact TTL boundary should still be present")
	}

	store.Now = fixedClock(base.Add(time.Minute + time.Nanosecond))
	if _, ok := store.Get("key"); ok {
		t.Fatal("entry past TTL should be absent")
	}

	// Expired entries are removed on read.
	if stats := store.Stats(); stats.Size != 0 {
		t.Fatalf("expected size 0 after expired read, got %d", stats.Size)
	}
}

func TestMemoryStoreNoTTLNeverExpires(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	store.Now = fixedClock(base)
	store.Set("key", 42, 0)

	store.Now = fixedClock(base.Add(1000 * time.Hour))
	if _, ok := store.Get("key"); !ok {
		t.Fatal("entry without TTL should never expire")
	}
}

func TestMemoryStoreOverwriteResetsTTL(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	store.Now = fixedClock(base)
	store.Set("key", "first", time.Minute)

	store.Now = fixedClock(base.Add(50 * time.Second))
	store.Set("key", "second", time.Minute)

	store.Now = fixedClock(base.Add(100 * time.Second))
	value, ok := store.Get("key")
	if !ok {
		t.Fatal("overwritten entry should still be live under its new TTL")
	}
	if value != "second" {
		t.Fatalf("got %v, want second", value)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	store.Set("a", 1, time.Minute)
	store.Set("b", 2, time.Minute)

	store.Get("a")
	store.Get("a")
	store.Get("missing")

	stats := store.Stats()
	if stats.Hits != 2 {
		t.Fatalf("hits = %d, want 2", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Fatalf("misses = %d, want 1", stats.Misses)
	}
	if stats.Size != 2 {
		t.Fatalf("size = %d, want 2", stats.Size)
	}
}

func TestMemoryStoreDeleteAndClear(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	store.Set("a", 1, time.Minute)
	store.Set("b", 2, time.Minute)

	store.Delete("a")
	if _, ok := store.Get("a"); ok {
		t.Fatal("deleted key should be absent")
	}

	store.Clear()
	if stats := store.Stats(); stats.Size != 0 {
		t.Fatalf("expected empty store after clear, got size %d", stats.Size)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	store.Now = fixedClock(base)
	store.Set("stale", 1, time.Minute)
	store.Set("fresh", 2, time.Hour)
	store.Set("pinned", 3, 0)

	store.Sweep(base.Add(10 * time.Minute))

	stats := store.Stats()
	if stats.Size != 2 {
		t.Fatalf("size after sweep = %d, want 2", stats.Size)
	}
	if _, ok := store.Get("stale"); ok {
		t.Fatal("swept entry should be absent")
	}
	if _, ok := store.Get("fresh"); !ok {
		t.Fatal("unexpired entry should survive sweep")
	}
}

func TestMemoryStoreHealthy(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	if !store.Healthy() {
		t.Fatal("memory store should report healthy")
	}

	// The probe must not leak into the entry count.
	if stats := store.Stats(); stats.Size != 0 {
		t.Fatalf("health probe leaked %d entries", stats.Size)
	}
}
