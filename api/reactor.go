// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the abstract interface for the single-threaded readiness reactor
// that drives every descriptor of a relay process.

package api

// EventMask is a set of readiness conditions for one descriptor.
type EventMask uint32

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventError
)

// Has reports whether all bits of other are set.
func (m EventMask) Has(other EventMask) bool {
	return m&other == other
}

// EventCallback is invoked on the reactor goroutine when fd becomes ready.
type EventCallback func(fd int, events EventMask)

// Reactor dispatches readiness callbacks one at a time. Register, Modify and
// Unregister must be called from the reactor goroutine (or before it runs);
// Post is the only entry point safe for other goroutines.
type Reactor interface {
	// Register associates fd with cb for the given interest set.
	Register(fd int, events EventMask, cb EventCallback) error

	// Modify replaces the interest set of a registered fd.
	Modify(fd int, events EventMask) error

	// Unregister removes fd. The descriptor itself is not closed.
	Unregister(fd int) error

	// Post schedules task to run on the reactor goroutine.
	Post(task func()) error
}
