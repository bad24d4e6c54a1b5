// Package metrics provides lightweight, lock-minimal performance counters
// for the anonymizer.
//
// Counters use sync/atomic so hot paths (cache lookups, span splicing)
// incur no mutex contention. Latency statistics use a single mutex per
// dimension; they are updated at most once per message or detector call.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// knownLabels lists the entity labels counted individually. Used to
// pre-populate per-label counter maps in New() so Snapshot() can iterate a
// fixed set without racing on map writes. Any other label is counted
// under "OTHER".
var knownLabels = []string{
	"PERSON", "EMAIL_ADDRESS", "PHONE_NUMBER", "LOCATION", "US_SSN",
	"CREDIT_CARD", "IP_ADDRESS", "URL", "IBAN_CODE", "DATE_TIME", "NRP",
	"US_DRIVER_LICENSE", "US_PASSPORT", "US_BANK_NUMBER", "US_ITIN",
	"MEDICAL_LICENSE", "CRYPTO", otherLabel,
}

const otherLabel = "OTHER"

// Container statuses, mirrored from the message report.
const (
	StatusOK          = "ok"
	StatusFlagged     = "flagged"
	StatusFailed      = "failed"
	StatusUnsupported = "unsupported"
)

// Metrics holds all runtime counters for a running anonymizer instance.
// The zero value is NOT valid for the per-label cache counters; use New().
type Metrics struct {
	// Message counters
	MessagesTotal      atomic.Int64
	MessagesComplete   atomic.Int64
	MessagesIncomplete atomic.Int64
	MessagesRejected   atomic.Int64 // unparseable or cancelled

	// Container outcomes
	ContainersOK          atomic.Int64
	ContainersFlagged     atomic.Int64
	ContainersFailed      atomic.Int64
	ContainersUnsupported atomic.Int64

	AttachmentsRenamed atomic.Int64
	SpansReplaced      atomic.Int64

	// Detector calls
	DetectorCalls  atomic.Int64
	DetectorErrors atomic.Int64

	// Replacement cache counters (per label)
	// Maps are written only in New(); concurrent reads are safe without a lock.
	cacheHits   map[string]*atomic.Int64
	cacheAllocs map[string]*atomic.Int64

	messageMu   sync.Mutex
	messageStat latencyStats

	detectMu   sync.Mutex
	detectStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded and per-label
// cache counter maps pre-populated.
func New() *Metrics {
	m := &Metrics{
		startTime:   time.Now(),
		cacheHits:   make(map[string]*atomic.Int64, len(knownLabels)),
		cacheAllocs: make(map[string]*atomic.Int64, len(knownLabels)),
	}
	for _, l := range knownLabels {
		m.cacheHits[l] = new(atomic.Int64)
		m.cacheAllocs[l] = new(atomic.Int64)
	}
	return m
}

func counterFor(counters map[string]*atomic.Int64, label string) *atomic.Int64 {
	if c, ok := counters[label]; ok {
		return c
	}
	return counters[otherLabel]
}

// RecordCacheHit increments the cache-hit counter for the given label.
func (m *Metrics) RecordCacheHit(label string) {
	if c := counterFor(m.cacheHits, label); c != nil {
		c.Add(1)
	}
}

// RecordCacheAlloc increments the placeholder-allocation counter for the
// given label.
func (m *Metrics) RecordCacheAlloc(label string) {
	if c := counterFor(m.cacheAllocs, label); c != nil {
		c.Add(1)
	}
}

// RecordContainer counts one container outcome. Unknown statuses are ignored.
func (m *Metrics) RecordContainer(status string) {
	switch status {
	case StatusOK:
		m.ContainersOK.Add(1)
	case StatusFlagged:
		m.ContainersFlagged.Add(1)
	case StatusFailed:
		m.ContainersFailed.Add(1)
	case StatusUnsupported:
		m.ContainersUnsupported.Add(1)
	}
}

// RecordMessageLatency records the duration of one whole message run.
func (m *Metrics) RecordMessageLatency(d time.Duration) {
	m.messageMu.Lock()
	m.messageStat.record(float64(d.Microseconds()) / 1000.0)
	m.messageMu.Unlock()
}

// RecordDetectLatency records the duration of one detector call.
func (m *Metrics) RecordDetectLatency(d time.Duration) {
	m.detectMu.Lock()
	m.detectStat.record(float64(d.Microseconds()) / 1000.0)
	m.detectMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.messageMu.Lock()
	message := m.messageStat.snapshot()
	m.messageMu.Unlock()

	m.detectMu.Lock()
	detect := m.detectStat.snapshot()
	m.detectMu.Unlock()

	return Snapshot{
		Messages: MessageSnapshot{
			Total:      m.MessagesTotal.Load(),
			Complete:   m.MessagesComplete.Load(),
			Incomplete: m.MessagesIncomplete.Load(),
			Rejected:   m.MessagesRejected.Load(),
		},
		Containers: ContainerSnapshot{
			OK:          m.ContainersOK.Load(),
			Flagged:     m.ContainersFlagged.Load(),
			Failed:      m.ContainersFailed.Load(),
			Unsupported: m.ContainersUnsupported.Load(),
			Renamed:     m.AttachmentsRenamed.Load(),
		},
		Placeholders: PlaceholderSnapshot{
			SpansReplaced: m.SpansReplaced.Load(),
			CacheHits:     nonZero(m.cacheHits),
			Allocations:   nonZero(m.cacheAllocs),
		},
		Detector: DetectorSnapshot{
			Calls:  m.DetectorCalls.Load(),
			Errors: m.DetectorErrors.Load(),
		},
		Latency: LatencyGroup{
			MessageMs: message,
			DetectMs:  detect,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

func nonZero(counters map[string]*atomic.Int64) map[string]int64 {
	out := make(map[string]int64, len(counters))
	for l, c := range counters {
		if n := c.Load(); n > 0 {
			out[l] = n
		}
	}
	return out
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Messages     MessageSnapshot     `json:"messages"`
	Containers   ContainerSnapshot   `json:"containers"`
	Placeholders PlaceholderSnapshot `json:"placeholders"`
	Detector     DetectorSnapshot    `json:"detector"`
	Latency      LatencyGroup        `json:"latency"`
	UptimeSecs   float64             `json:"uptimeSecs"`
}

// MessageSnapshot holds message-level counters.
type MessageSnapshot struct {
	Total      int64 `json:"total"`
	Complete   int64 `json:"complete"`
	Incomplete int64 `json:"incomplete"`
	Rejected   int64 `json:"rejected"`
}

// ContainerSnapshot holds per-container outcome counters.
type ContainerSnapshot struct {
	OK          int64 `json:"ok"`
	Flagged     int64 `json:"flagged"`
	Failed      int64 `json:"failed"`
	Unsupported int64 `json:"unsupported"`
	Renamed     int64 `json:"renamed"`
}

// PlaceholderSnapshot holds replacement volume and cache effectiveness.
type PlaceholderSnapshot struct {
	SpansReplaced int64 `json:"spansReplaced"`

	// Per-label counts (only labels with non-zero counts appear).
	CacheHits   map[string]int64 `json:"cacheHits,omitempty"`
	Allocations map[string]int64 `json:"allocations,omitempty"`
}

// DetectorSnapshot holds entity-detector counters.
type DetectorSnapshot struct {
	Calls  int64 `json:"calls"`
	Errors int64 `json:"errors"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	MessageMs LatencySnapshot `json:"messageMs"`
	DetectMs  LatencySnapshot `json:"detectMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
