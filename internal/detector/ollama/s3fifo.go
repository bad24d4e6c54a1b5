package ollama

// s3fifo is a bounded in-memory cache using S3-FIFO eviction (Yang et al.,
// 2023): a small probationary FIFO (S, ~10% of capacity), a main FIFO (M)
// and a ghost set of keys recently evicted from S.
//
//	S → evict oldest head:
//	  freq > 0  → promote to M tail (reset freq); if M is over target, evict M head.
//	  freq == 0 → drop, remember the key in G.
//	M → evict oldest head.
//
// A key found in G on insert goes straight to M, so a one-off scan of new
// texts cannot flush the repeated ones.
//
//	sTarget  = max(1, capacity/10)
//	ghostCap = max(4, 2×sTarget)

import (
	"container/list"
	"sync"
)

type s3fifoEntry[V any] struct {
	value V
	freq  uint8 // saturating in [0, 3]
	elem  *list.Element
	inM   bool
}

type s3fifo[V any] struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*s3fifoEntry[V]
	sQueue  *list.List // of string keys
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int
}

// newS3FIFO returns an empty cache holding at most capacity values;
// capacities below 2 are clamped to 2.
func newS3FIFO[V any](capacity int) *s3fifo[V] {
	capacity = max(capacity, 2)
	sTarget := max(capacity/10, 1)
	ghostCap := max(2*sTarget, 4)
	return &s3fifo[V]{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*s3fifoEntry[V], capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
	}
}

// Get returns the value for key and bumps its frequency.
func (c *s3fifo[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if e.freq < 3 {
		e.freq++
	}
	return e.value, true
}

// Set stores value under key. An existing key keeps its queue position.
func (c *s3fifo[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	_, inM := c.ghostSet[key]
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &s3fifoEntry[V]{value: value, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		if c.sQueue.Len() > 0 {
			c.evictFromS()
		} else {
			c.evictFromM()
		}
	}
}

// Len reports the number of resident values.
func (c *s3fifo[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Must be called with c.mu held.
func (c *s3fifo[V]) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	c.sQueue.Remove(front)
	key := front.Value.(string)
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		if c.mQueue.Len() > c.capacity-c.sTarget {
			c.evictFromM()
		}
		return
	}
	delete(c.entries, key)
	c.ghostAdd(key)
}

// Must be called with c.mu held.
func (c *s3fifo[V]) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	c.mQueue.Remove(front)
	delete(c.entries, front.Value.(string))
}

// ghostAdd records key in the bounded ring, dropping the oldest ghost when
// full. Must be called with c.mu held.
func (c *s3fifo[V]) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		delete(c.ghostSet, c.ghostBuf[c.ghostHead])
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	c.ghostBuf[(c.ghostHead+c.ghostCount)%c.ghostCap] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
