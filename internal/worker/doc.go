// File: internal/worker/doc.go
// Package worker
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker process runtime. A worker owns one ipc.Channel bound to its stdin,
// adopts every connection relayd transfers over it and answers each read
// with "From worker <pid> => " followed by the bytes read. All work runs on
// one reactor goroutine.
//
// Per-connection lifecycle:
//
//	AWAITING_TRANSFER -> ACCEPTED -> READING <-> WRITING -> CLOSED
//
// End of stream on the channel means relayd is gone: the worker stops
// reading, flushes what it owes (bounded by the drain timeout), closes every
// connection it holds and returns from Run.
package worker
