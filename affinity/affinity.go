// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU topology and affinity. Platform-specific
// implementations are located in separate files guarded by build tags.

package affinity

import "runtime"

// CPUCount returns the number of logical CPUs usable by this process. It sizes
// the default worker pool.
func CPUCount() int {
	return runtime.NumCPU()
}

// CPUFor maps a worker index onto a CPU id, wrapping when the pool is larger
// than the host.
func CPUFor(index int) int {
	n := CPUCount()
	if n <= 0 || index < 0 {
		return 0
	}
	return index % n
}

// SetAffinity locks the calling goroutine to its OS thread and pins that
// thread to cpuID. On unsupported platforms returns an error.
func SetAffinity(cpuID int) error {
	runtime.LockOSThread()
	if err := setAffinityPlatform(cpuID); err != nil {
		runtime.UnlockOSThread()
		return err
	}
	return nil
}
