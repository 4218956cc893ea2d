package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Registry aggregates guard-decision counters for the snapshot endpoint.
type Registry struct {
	mu         sync.RWMutex
	verdict    map[string]int64
	reason     map[string]int64
	operation  map[string]*OperationStat
	gauges     map[string]float64
	Histograms *HistogramRegistry
}

type OperationStat struct {
	Admitted   int64  `json:"admitted"`
	Denied     int64  `json:"denied"`
	LastReason string `json:"last_reason"`
}

type Snapshot struct {
	GeneratedAt string                   `json:"generated_at"`
	Verdicts    map[string]int64         `json:"verdicts"`
	Reasons     map[string]int64         `json:"reasons"`
	Operations  map[string]OperationStat `json:"operations"`
	Gauges      map[string]float64       `json:"gauges"`
	Histograms  []HistogramSnapshot      `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		verdict:    map[string]int64{},
		reason:     map[string]int64{},
		operation:  map[string]*OperationStat{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

// ObserveGuard records one admission-control decision.
func (r *Registry) ObserveGuard(op string, allowed bool, reason string, d time.Duration) {
	r.mu.Lock()
	stat, ok := r.operation[op]
	if !ok {
		stat = &OperationStat{}
		r.operation[op] = stat
	}
	if allowed {
		stat.Admitted++
		r.verdict["ADMIT"]++
	} else {
		stat.Denied++
		r.verdict["DENY"]++
	}
	stat.LastReason = reason
	r.reason[reason]++
	r.mu.Unlock()
	r.Histograms.ObserveDuration("guard_decision", d)
}

func (r *Registry) IncReason(reason string) {
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	snap := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Verdicts:    map[string]int64{},
		Reasons:     map[string]int64{},
		Operations:  map[string]OperationStat{},
		Gauges:      map[string]float64{},
	}
	for k, v := range r.verdict {
		snap.Verdicts[k] = v
	}
	for k, v := range r.reason {
		snap.Reasons[k] = v
	}
	for k, v := range r.operation {
		snap.Operations[k] = *v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	r.mu.RUnlock()
	snap.Histograms = r.Histograms.Snapshots()
	return snap
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	}
}
