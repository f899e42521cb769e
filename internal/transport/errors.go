// File: internal/transport/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "errors"

// ErrNoReserve is returned by Listener.Shed when the spare descriptor cannot
// be reopened.
var ErrNoReserve = errors.New("transport: reserve descriptor unavailable")
