package cache

import (
	"errors"
	"testing"
	"time"

	"nutriwise-ml/internal/infrastructure/config"
)

func newTestManager(size int) *CacheManager {
	return NewManager(config.CacheConfig{Enabled: true, MaxSize: size, TTL: time.Minute})
}

func TestGetSet(t *testing.T) {
	m := newTestManager(4)
	defer m.Close()

	if _, ok := m.Get("a"); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	m.Set("a", 1)
	v, ok := m.Get("a")
	if !ok || v.(int) != 1 {
		t.Fatalf("Get = %v, %v", v, ok)
	}
	stats := m.GetStats()
	if stats["hits"].(int64) != 1 || stats["misses"].(int64) != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestExpiry(t *testing.T) {
	m := newTestManager(4)
	defer m.Close()
	now := time.Now()
	m.now = func() time.Time { return now }

	m.Set("a", 1)
	now = now.Add(2 * time.Minute)
	if _, ok := m.Get("a"); ok {
		t.Fatal("expired entry returned")
	}
}

func TestLRUEviction(t *testing.T) {
	m := newTestManager(2)
	defer m.Close()

	m.Set("a", 1)
	m.Set("b", 2)
	m.Get("a")
	m.Set("c", 3)

	if _, ok := m.Get("b"); ok {
		t.Error("least used entry should be evicted")
	}
	if _, ok := m.Get("a"); !ok {
		t.Error("frequently used entry evicted")
	}
	if _, ok := m.Get("c"); !ok {
		t.Error("new entry missing")
	}
}

func TestGetOrCompute(t *testing.T) {
	m := newTestManager(2)
	defer m.Close()

	calls := 0
	build := func() (interface{}, error) {
		calls++
		return "value", nil
	}
	for i := 0; i < 3; i++ {
		v, err := m.GetOrCompute("k", build)
		if err != nil || v.(string) != "value" {
			t.Fatalf("GetOrCompute = %v, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("build called %d times", calls)
	}

	boom := errors.New("boom")
	if _, err := m.GetOrCompute("x", func() (interface{}, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if _, ok := m.Get("x"); ok {
		t.Error("failed build should not be cached")
	}
}

func TestDisabledCacheAlwaysBuilds(t *testing.T) {
	m := NewManager(config.CacheConfig{Enabled: false})
	defer m.Close()

	calls := 0
	for i := 0; i < 2; i++ {
		m.GetOrCompute("k", func() (interface{}, error) {
			calls++
			return 1, nil
		})
	}
	if calls != 2 {
		t.Errorf("disabled cache built %d times, want 2", calls)
	}
}
