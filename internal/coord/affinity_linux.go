//go:build linux

package coord

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setAffinity pins the calling OS thread to core. Cores at or beyond
// numCores are left unpinned.
func setAffinity(core, numCores int) error {
	if core < 0 || core >= numCores {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity core %d: %w", core, err)
	}
	return nil
}
