package receiver

import (
	"errors"
	"testing"
)

var errStatfsFailed = errors.New("statfs failed")

func TestCheckSpaceAccepts(t *testing.T) {
	prober := func(string) (uint64, error) { return 1 << 30, nil }
	available, ok, reason := checkSpace(prober, "/tmp", 100<<20)
	if !ok {
		t.Fatalf("ok = false, reason = %q, want accept", reason)
	}
	if available != 1<<30 {
		t.Fatalf("available = %d, want %d", available, 1<<30)
	}
}

func TestCheckSpaceRejectsInsufficient(t *testing.T) {
	prober := func(string) (uint64, error) { return 50 << 20, nil }
	_, ok, reason := checkSpace(prober, "/tmp", 100<<20)
	if ok {
		t.Fatalf("ok = true, want reject")
	}
	if reason != "Insufficient disk space" {
		t.Fatalf("reason = %q, want %q", reason, "Insufficient disk space")
	}
}

func TestCheckSpaceEnforcesFloorEvenForTinyFiles(t *testing.T) {
	// A 1-byte file still needs the 100 MiB floor, not just 1.2x itself.
	prober := func(string) (uint64, error) { return 50 << 20, nil }
	_, ok, _ := checkSpace(prober, "/tmp", 1)
	if ok {
		t.Fatalf("ok = true, want reject (below 100 MiB floor)")
	}
}

func TestCheckSpacePropagatesProbeError(t *testing.T) {
	prober := func(string) (uint64, error) { return 0, errStatfsFailed }
	_, ok, reason := checkSpace(prober, "/tmp", 100<<20)
	if ok {
		t.Fatalf("ok = true, want reject on probe error")
	}
	if reason != errStatfsFailed.Error() {
		t.Fatalf("reason = %q, want %q", reason, errStatfsFailed.Error())
	}
}

func TestDirOf(t *testing.T) {
	if got := dirOf("/a/b/c.txt"); got != "/a/b" {
		t.Fatalf("dirOf = %q, want /a/b", got)
	}
	if got := dirOf("c.txt"); got != "." {
		t.Fatalf("dirOf = %q, want .", got)
	}
}
