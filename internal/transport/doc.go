// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw non-blocking TCP primitives for relay processes: the orchestrator's
// listening socket with an explicit backlog, and descriptor-level read/write
// helpers used by workers. Every call maps EAGAIN to api.ErrWouldBlock so the
// reactor callbacks can tell "not ready" from failure. Implementations are
// separated by build tags (linux/other).
package transport
