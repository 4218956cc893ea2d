package metrics

import (
	"sync"
	"time"
)

// Guard decisions are in-memory checks, so the bucket bounds top out at
// a quarter second.
var defaultBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

type HistogramBucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

// Histogram tracks a latency distribution over cumulative buckets.
type Histogram struct {
	mu     sync.Mutex
	name   string
	bounds []float64
	counts []int64
	sum    float64
	total  int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{
		name:   name,
		bounds: defaultBuckets,
		counts: make([]int64, len(defaultBuckets)),
	}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	h.total++
	for i, le := range h.bounds {
		if sec <= le {
			h.counts[i]++
		}
	}
}

type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Buckets []HistogramBucket `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   int64             `json:"count"`
	P50     float64           `json:"p50"`
	P95     float64           `json:"p95"`
	P99     float64           `json:"p99"`
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]HistogramBucket, len(h.bounds))
	for i, le := range h.bounds {
		buckets[i] = HistogramBucket{Le: le, Count: h.counts[i]}
	}
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.total,
		P50:     quantile(buckets, h.total, 0.50),
		P95:     quantile(buckets, h.total, 0.95),
		P99:     quantile(buckets, h.total, 0.99),
	}
}

// quantile returns the upper bound of the first bucket whose cumulative
// count covers the requested fraction of observations.
func quantile(buckets []HistogramBucket, total int64, q float64) float64 {
	if total == 0 {
		return 0
	}
	need := int64(q * float64(total))
	for _, b := range buckets {
		if b.Count >= need {
			return b.Le
		}
	}
	return 0
}

// HistogramRegistry lazily creates one histogram per metric name.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name)
	r.histograms[name] = h
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	return out
}
