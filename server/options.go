// File: server/options.go
// Package server defines functional options for the Orchestrator.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/momentics/hioload-relay/control"
	"github.com/rs/zerolog"
)

// Option customizes orchestrator initialization.
type Option func(*Orchestrator)

// WithLogger replaces the default "relayd" logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithMetrics shares an existing registry instead of a private one.
func WithMetrics(mr *control.MetricsRegistry) Option {
	return func(o *Orchestrator) {
		if mr != nil {
			o.metrics = mr
		}
	}
}

// WithDebugProbes shares an existing probe registry.
func WithDebugProbes(dp *control.DebugProbes) Option {
	return func(o *Orchestrator) {
		if dp != nil {
			o.probes = dp
		}
	}
}
