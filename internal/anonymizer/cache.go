// Cache is the per-message replacement mapping. Every processor working on
// one message resolves detected values through the same Cache, so a value
// seen in the Subject, the HTML body and a PDF attachment gets one
// placeholder everywhere.
//
// The mapping is append-only: an entry is never overwritten or evicted,
// and per-label ordinals only advance on a miss. A Cache must not outlive
// the message it was created for; it is never persisted.

package anonymizer

import (
	"sync"

	"eml-anonymizer/internal/detector"
	"eml-anonymizer/internal/metrics"
)

type cacheKey struct {
	label      detector.Label
	normalized string
}

// Cache maps (label, normalized value) to a placeholder for one message.
// It is safe for concurrent use.
type Cache struct {
	style   Style
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[cacheKey]string
	counts  map[detector.Label]int
}

// NewCache returns an empty Cache rendering placeholders in style.
// m may be nil.
func NewCache(style Style, m *metrics.Metrics) *Cache {
	return &Cache{
		style:   style,
		metrics: m,
		entries: make(map[cacheKey]string),
		counts:  make(map[detector.Label]int),
	}
}

// Resolve returns the placeholder for original, allocating the next one
// for label on first sight. Empty input resolves to "".
func (c *Cache) Resolve(label detector.Label, original string) string {
	key := cacheKey{label: label, normalized: normalize(label, original)}
	if key.normalized == "" {
		return ""
	}

	c.mu.Lock()
	if p, ok := c.entries[key]; ok {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordCacheHit(string(label))
		}
		return p
	}
	c.counts[label]++
	p := format(c.style, label, c.counts[label])
	c.entries[key] = p
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCacheAlloc(string(label))
	}
	return p
}

// Len reports how many distinct values have been mapped.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Count reports how many placeholders have been allocated for label.
func (c *Cache) Count(label detector.Label) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[label]
}

// Style reports the placeholder style this cache renders.
func (c *Cache) Style() Style { return c.style }
