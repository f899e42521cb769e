// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime counters for one relay process.
// Exposes counters in a thread-safe map with dynamic registration.

package control

import (
	"sort"
	"sync"
	"time"
)

// MetricsRegistry holds named counters and gauges.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]int64
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]int64),
	}
}

// Add increments key by delta.
func (mr *MetricsRegistry) Add(key string, delta int64) {
	mr.mu.Lock()
	mr.metrics[key] += delta
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Inc increments key by one.
func (mr *MetricsRegistry) Inc(key string) {
	mr.Add(key, 1)
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value int64) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Get returns the current value of key (zero when unset).
func (mr *MetricsRegistry) Get(key string) int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.metrics[key]
}

// GetSnapshot returns a copy of all metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]int64, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}

// Keys returns the registered metric names in sorted order.
func (mr *MetricsRegistry) Keys() []string {
	mr.mu.RLock()
	keys := make([]string, 0, len(mr.metrics))
	for k := range mr.metrics {
		keys = append(keys, k)
	}
	mr.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Updated returns the time of the last write.
func (mr *MetricsRegistry) Updated() time.Time {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.updated
}
