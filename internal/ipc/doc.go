// File: internal/ipc/doc.go
// Package ipc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Inter-process channel between relayd and one relay-worker. The channel is a
// SOCK_STREAM unix socketpair; every message is the one-byte Marker with at
// most one open connection descriptor attached as SCM_RIGHTS ancillary data.
// Marker content is never interpreted.
//
// Ownership is explicit: a Handle owns exactly one descriptor. A successful
// Send moves the descriptor into the kernel and invalidates the Handle; the
// receiver materialises a fresh Handle only after the descriptor has arrived.
package ipc
