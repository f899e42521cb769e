//go:build linux

package affinity_test

import (
	"testing"

	"github.com/momentics/hioload-relay/affinity"
	"golang.org/x/sys/unix"
)

func TestSetAffinity(t *testing.T) {
	var allowed unix.CPUSet
	if err := unix.SchedGetaffinity(0, &allowed); err != nil {
		t.Fatalf("sched_getaffinity: %v", err)
	}
	cpu := -1
	for i := 0; i < 1024; i++ {
		if allowed.IsSet(i) {
			cpu = i
			break
		}
	}
	if cpu < 0 {
		t.Skip("no cpu in affinity mask")
	}

	done := make(chan error, 1)
	// the goroutine exits while still locked, so its pinned thread is discarded
	go func() {
		err := affinity.SetAffinity(cpu)
		if err == nil {
			var got unix.CPUSet
			if gerr := unix.SchedGetaffinity(0, &got); gerr == nil && (got.Count() != 1 || !got.IsSet(cpu)) {
				t.Errorf("thread mask not pinned to cpu %d", cpu)
			}
		}
		done <- err
	}()
	if err := <-done; err != nil {
		t.Fatalf("SetAffinity(%d): %v", cpu, err)
	}
}
