// Package pool
// Author: momentics <momentics@gmail.com>
//
// Buffer and object reuse for the relay I/O paths: read buffers and response
// buffers in workers, write requests queued on a connection.
// See bytepool.go and objpool.go.
package pool
