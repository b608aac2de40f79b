package receiver

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// FreeSpaceProber reports bytes available on the filesystem backing
// dir. It is a function type so tests and other platforms can swap the
// probe without touching the engine.
type FreeSpaceProber func(dir string) (available uint64, err error)

// minFreeSpaceMultiplier and minFreeSpaceFloor are heuristics, not
// invariants; deployments may tune them.
const (
	minFreeSpaceMultiplier = 1.2
	minFreeSpaceFloorBytes = 100 << 20

	probeAllocationSize = 10 << 20
)

// DefaultFreeSpaceProbe uses syscall.Statfs on dir.
func DefaultFreeSpaceProbe(dir string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("receiver: statfs %s: %w", dir, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// checkSpace makes the accept/reject decision: free space must be at
// least 1.2x the declared file size and at least 100 MiB.
func checkSpace(prober FreeSpaceProber, dir string, fileSize uint64) (available uint64, ok bool, reason string) {
	available, err := prober(dir)
	if err != nil {
		return 0, false, err.Error()
	}
	required := uint64(float64(fileSize) * minFreeSpaceMultiplier)
	if required < minFreeSpaceFloorBytes {
		required = minFreeSpaceFloorBytes
	}
	if available < required {
		return available, false, "Insufficient disk space"
	}
	return available, true, ""
}

// probeAllocation writes and removes a probeAllocationSize test file in
// dir to confirm the filesystem actually honors allocation; a statfs
// free-space figure can lie on some overlay/network filesystems.
func probeAllocation(dir string) error {
	f, err := os.CreateTemp(dir, ".hruft-space-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	defer os.Remove(name)
	defer f.Close()

	buf := make([]byte, 1<<20)
	for written := 0; written < probeAllocationSize; written += len(buf) {
		if _, err := f.Write(buf); err != nil {
			return fmt.Errorf("receiver: space probe write: %w", err)
		}
	}
	return nil
}

// dirOf returns the directory a file path will be created in, for
// free-space probing purposes.
func dirOf(path string) string {
	return filepath.Dir(path)
}
