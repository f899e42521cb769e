// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Debug probes: named callbacks reporting live process state.

package control

import "sync"

// DebugProbes holds registered probe functions. Probes that read reactor-owned
// state must only be dumped from the reactor goroutine.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebugProbes creates a probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{
		probes: make(map[string]func() any),
	}
}

// RegisterProbe inserts a named debug hook.
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.probes[name] = fn
}

// DumpState returns output of all probes.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[string]any, len(dp.probes))
	for k, fn := range dp.probes {
		out[k] = fn()
	}
	return out
}

// Report merges counters and probe output into one flat map, the shape
// relay processes log on shutdown and on each metrics tick.
func Report(mr *MetricsRegistry, dp *DebugProbes) map[string]any {
	out := make(map[string]any)
	if mr != nil {
		for k, v := range mr.GetSnapshot() {
			out[k] = v
		}
	}
	if dp != nil {
		for k, v := range dp.DumpState() {
			out["probe."+k] = v
		}
	}
	return out
}
