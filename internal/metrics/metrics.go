// Package metrics collects per-run pipeline metrics: stage durations
// and throughput counters. The engine is a one-shot batch process, so
// metrics are accumulated in memory and logged when the run finishes
// rather than exported over HTTP.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// RunMetrics accumulates the metrics of a single audit run. Counters
// are safe for concurrent use by workers; stage timings are recorded
// by the pipeline goroutine only.
type RunMetrics struct {
	startTime time.Time

	mu       sync.RWMutex
	stages   map[string]time.Duration
	counters map[string]*int64
}

// NewRunMetrics creates an empty metrics accumulator and starts the
// run clock.
func NewRunMetrics() *RunMetrics {
	return &RunMetrics{
		startTime: time.Now(),
		stages:    make(map[string]time.Duration),
		counters:  make(map[string]*int64),
	}
}

// TimeStage runs fn and records its wall-clock duration under the
// stage name. The duration is recorded whether or not fn fails.
func (m *RunMetrics) TimeStage(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	m.mu.Lock()
	m.stages[stage] += duration
	m.mu.Unlock()
	return err
}

// Add increments a named counter.
func (m *RunMetrics) Add(name string, delta int64) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		counter = new(int64)
		m.counters[name] = counter
	}
	m.mu.Unlock()
	atomic.AddInt64(counter, delta)
}

// Snapshot is an immutable copy of the run's metrics.
type Snapshot struct {
	Elapsed  time.Duration            `json:"elapsed"`
	Stages   map[string]time.Duration `json:"stages"`
	Counters map[string]int64         `json:"counters"`
}

// Snapshot copies the current metric state.
func (m *RunMetrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Elapsed:  time.Since(m.startTime),
		Stages:   make(map[string]time.Duration, len(m.stages)),
		Counters: make(map[string]int64, len(m.counters)),
	}
	for stage, duration := range m.stages {
		snap.Stages[stage] = duration
	}
	for name, counter := range m.counters {
		snap.Counters[name] = atomic.LoadInt64(counter)
	}
	return snap
}

// LogAttrs renders the snapshot as slog key-value pairs.
func (s Snapshot) LogAttrs() []any {
	attrs := []any{"elapsed", s.Elapsed.String()}
	for stage, duration := range s.Stages {
		attrs = append(attrs, "stage_"+stage, duration.String())
	}
	for name, value := range s.Counters {
		attrs = append(attrs, name, value)
	}
	return attrs
}
