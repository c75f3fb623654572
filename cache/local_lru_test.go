package cache

import (
	"testing"
	"time"
)

func TestLRUCacheNew(t *testing.T) {
	cache, err := NewLRUCache(100)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	if cache.maxSize != 100 {
		t.Fatalf("Expected maxSize 100, got %d", cache.maxSize)
	}
}

func TestLRUCacheNewWithZeroSize(t *testing.T) {
	if _, err := NewLRUCache(0); err == nil {
		t.Fatal("Expected error when creating cache with size 0")
	}
}

func TestLRUCacheSetGet(t *testing.T) {
	cache, err := NewLRUCache(100)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	entry := Entry{Value: "value1", Version: 3}
	if ok := cache.Set("key1", entry, 1); !ok {
		t.Fatal("Set should succeed")
	}

	got, found := cache.Get("key1")
	if !found {
		t.Fatal("Entry should be found")
	}
	if got.Value != "value1" || got.Version != 3 {
		t.Fatalf("Expected value1/v3, got %v/v%d", got.Value, got.Version)
	}
}

func TestLRUCacheDelete(t *testing.T) {
	cache, err := NewLRUCache(100)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("key1", Entry{Value: "value1"}, 1)
	cache.Delete("key1")

	if _, found := cache.Get("key1"); found {
		t.Fatal("Deleted entry should not be found")
	}
}

func TestLRUCacheEviction(t *testing.T) {
	cache, err := NewLRUCache(2)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("key1", Entry{Value: 1}, 1)
	cache.Set("key2", Entry{Value: 2}, 1)
	cache.Set("key3", Entry{Value: 3}, 1)

	if _, found := cache.Get("key1"); found {
		t.Fatal("Oldest entry should have been evicted")
	}
	if metrics := cache.Metrics(); metrics.Evictions != 1 {
		t.Fatalf("Expected 1 eviction, got %d", metrics.Evictions)
	}
}

func TestLRUCacheMetrics(t *testing.T) {
	cache, err := NewLRUCache(100)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("key1", Entry{Value: "value1"}, 1)
	cache.Get("key1")
	cache.Get("missing")

	metrics := cache.Metrics()
	if metrics.Hits != 1 {
		t.Fatalf("Expected 1 hit, got %d", metrics.Hits)
	}
	if metrics.Misses != 1 {
		t.Fatalf("Expected 1 miss, got %d", metrics.Misses)
	}
	if metrics.Size != 1 {
		t.Fatalf("Expected size 1, got %d", metrics.Size)
	}
}

func TestEntryExpired(t *testing.T) {
	now := time.Now()

	if (Entry{}).Expired(now) {
		t.Fatal("Entry without expiry should never expire")
	}
	if (Entry{ExpiresAt: now.Add(time.Minute)}).Expired(now) {
		t.Fatal("Future expiry should not be expired")
	}
	if !(Entry{ExpiresAt: now.Add(-time.Minute)}).Expired(now) {
		t.Fatal("Past expiry should be expired")
	}
}
