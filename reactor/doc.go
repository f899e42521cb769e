// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-threaded poll-mode event reactor used by
// every relay process. Descriptors are registered with a callback; Poll waits
// for readiness (epoll on Linux) and runs the callbacks one at a time on the
// calling goroutine. Work produced on other goroutines (child exits, signals,
// timers) enters the loop through Post, so no two callbacks of one process
// ever run concurrently.
package reactor
