package visibility_test

import (
	"testing"

	"github.com/snehjoshi/attachq/internal/visibility"
)

func TestTracker_StartsEmpty(t *testing.T) {
	tr := visibility.NewTracker()
	if tr.Len() != 0 {
		t.Fatalf("expected empty tracker, got %d", tr.Len())
	}
	if tr.Contains("m1") {
		t.Error("empty tracker must not contain anything")
	}
}

func TestTracker_ReplaceIsWholesale(t *testing.T) {
	tr := visibility.NewTracker()
	tr.Replace([]string{"m1", "m2"})
	tr.Replace([]string{"m3"})

	if tr.Contains("m1") || tr.Contains("m2") {
		t.Error("old members must be dropped, not merged")
	}
	if !tr.Contains("m3") {
		t.Error("expected m3 to be visible")
	}
}

func TestTracker_ReplaceReportsChange(t *testing.T) {
	tr := visibility.NewTracker()
	if !tr.Replace([]string{"a", "b"}) {
		t.Error("first replace must report a change")
	}
	if tr.Replace([]string{"b", "a", ""}) {
		t.Error("same members in another order must not report a change")
	}
	if !tr.Replace(nil) {
		t.Error("clearing must report a change")
	}
}

func TestTracker_SnapshotIsStable(t *testing.T) {
	tr := visibility.NewTracker()
	tr.Replace([]string{"a"})
	snap := tr.Snapshot()
	tr.Replace([]string{"b"})

	if !snap.Contains("a") || snap.Contains("b") {
		t.Error("snapshot must not observe later replacements")
	}
	if got := snap.IDs(); len(got) != 1 || got[0] != "a" {
		t.Errorf("IDs: want [a], got %v", got)
	}
}
