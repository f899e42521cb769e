// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection for relay processes.
//
// Provides:
//   - Config loading from TOML files with environment and flag overrides
//   - The environment contract between relayd and its relay-worker children
//   - Thread-safe counters and debug probes with snapshot export
package control
