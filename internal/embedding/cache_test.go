package embedding

import (
	"fmt"
	"sync"
	"testing"
)

func TestEmbeddingCache_GetSet(t *testing.T) {
	c := NewEmbeddingCache(2)
	if v, ok := c.Get("a"); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.Set("a", []float32{1, 2, 3})
	v, ok := c.Get("a")
	if !ok || len(v) != 3 || v[0] != 1 {
		t.Errorf("Get: got %v, %v", v, ok)
	}
	c.Set("b", []float32{4, 5})
	c.Set("c", []float32{6}) // evicts a
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected b to remain")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected c to be present")
	}
}

func TestEmbeddingCache_GetRefreshesRecency(t *testing.T) {
	c := NewEmbeddingCache(2)
	c.Set("a", []float32{1})
	c.Set("b", []float32{2})
	c.Get("a")
	c.Set("c", []float32{3}) // evicts b, not a
	if _, ok := c.Get("a"); !ok {
		t.Error("recently read entry should survive eviction")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	hits, misses := c.Stats()
	if hits != 2 || misses != 1 {
		t.Errorf("Stats = %d hits, %d misses; want 2, 1", hits, misses)
	}
}

func TestEmbeddingCache_ZeroCapacity(t *testing.T) {
	c := NewEmbeddingCache(0)
	c.Set("a", []float32{1})
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestEmbeddingCache_ConcurrentAccess(t *testing.T) {
	c := NewEmbeddingCache(16)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (n+j)%32)
				c.Set(key, []float32{float32(j)})
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	if c.Len() > 16 {
		t.Errorf("Len = %d exceeds capacity", c.Len())
	}
}
