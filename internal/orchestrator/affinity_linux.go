//go:build linux

package orchestrator

import "golang.org/x/sys/unix"

// pinCurrentGoroutine pins the calling OS thread to cpuID. Per Design Notes
// §9 / spec.md §1, pinning is a configurable performance hint, not a
// correctness property — callers log and continue on failure. The caller
// must have called runtime.LockOSThread first.
func pinCurrentGoroutine(cpuID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	return unix.SchedSetaffinity(0, &set)
}
