package ollama

import (
	"fmt"
	"sync"
	"testing"
)

func TestS3FIFOGetSet(t *testing.T) {
	t.Parallel()
	c := newS3FIFO[string](10)

	if _, ok := c.Get("x"); ok {
		t.Error("expected miss on empty cache")
	}
	c.Set("k", "v1")
	if v, ok := c.Get("k"); !ok || v != "v1" {
		t.Fatalf("got %q ok=%v", v, ok)
	}
	c.Set("k", "v2")
	if v, _ := c.Get("k"); v != "v2" {
		t.Errorf("expected overwritten value, got %q", v)
	}
}

func TestS3FIFOCapacityEnforced(t *testing.T) {
	t.Parallel()
	capacity := 10
	c := newS3FIFO[int](capacity)
	for i := 0; i < capacity+5; i++ {
		c.Set(fmt.Sprintf("key-%d", i), i)
	}
	if n := c.Len(); n > capacity {
		t.Errorf("resident entries %d exceed capacity %d", n, capacity)
	}
}

func TestS3FIFOPromotionToM(t *testing.T) {
	t.Parallel()
	// capacity=2: sTarget=1, eviction fires on the third insert.
	c := newS3FIFO[string](2)
	c.Set("hot", "a")
	c.Get("hot")
	c.Set("cold", "b")
	c.Set("extra", "c")

	c.mu.Lock()
	e, ok := c.entries["hot"]
	c.mu.Unlock()
	if !ok {
		t.Fatal("expected 'hot' to survive S eviction")
	}
	if !e.inM {
		t.Error("expected 'hot' to be promoted to M")
	}
}

func TestS3FIFOGhostBypassesS(t *testing.T) {
	t.Parallel()
	c := newS3FIFO[string](2)
	c.Set("victim", "a")
	c.Set("displacer", "b")
	c.Set("trigger", "c")

	c.mu.Lock()
	_, resident := c.entries["victim"]
	_, ghost := c.ghostSet["victim"]
	c.mu.Unlock()
	if resident {
		t.Error("expected 'victim' to be evicted")
	}
	if !ghost {
		t.Fatal("expected 'victim' in ghost set")
	}

	c.Set("victim", "a2")
	c.mu.Lock()
	e, ok := c.entries["victim"]
	c.mu.Unlock()
	if !ok || !e.inM {
		t.Error("expected ghost hit to insert straight into M")
	}
}

func TestS3FIFOGhostBounded(t *testing.T) {
	t.Parallel()
	c := newS3FIFO[string](20)
	for i := 0; i < c.ghostCap+10; i++ {
		c.Set(fmt.Sprintf("evict-%d", i), "x")
		c.Set(fmt.Sprintf("filler-%d", i), "y")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ghostCount > c.ghostCap || len(c.ghostSet) > c.ghostCap {
		t.Errorf("ghost holds %d/%d entries, cap %d", c.ghostCount, len(c.ghostSet), c.ghostCap)
	}
}

func TestS3FIFOFrequencySaturates(t *testing.T) {
	t.Parallel()
	c := newS3FIFO[string](4)
	c.Set("k", "v")
	for i := 0; i < 10; i++ {
		c.Get("k")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if f := c.entries["k"].freq; f != 3 {
		t.Errorf("freq: got %d, want 3", f)
	}
}

func TestS3FIFOConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := newS3FIFO[int](50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d", (g*31+i)%120)
				c.Set(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	if n := c.Len(); n > 50 {
		t.Errorf("resident entries %d exceed capacity", n)
	}
}
