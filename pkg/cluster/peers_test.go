package cluster

import "testing"

func TestResetInitializesNextIndex(t *testing.T) {
	p := NewPeers()
	p.Reset([]string{"b", "c"}, 10)

	if got := p.NextIndex("b"); got != 11 {
		t.Fatalf("NextIndex(b) = %d, want 11", got)
	}
	if got := p.MatchIndex("c"); got != 0 {
		t.Fatalf("MatchIndex(c) = %d, want 0", got)
	}
}

func TestSetProgressAdvancesBothCursors(t *testing.T) {
	p := NewPeers()
	p.Reset([]string{"b"}, 0)

	p.SetProgress("b", 5)
	if got := p.MatchIndex("b"); got != 5 {
		t.Fatalf("MatchIndex(b) = %d, want 5", got)
	}
	if got := p.NextIndex("b"); got != 6 {
		t.Fatalf("NextIndex(b) = %d, want 6", got)
	}
}

func TestBackoffUsesConflictIndexWhenPresent(t *testing.T) {
	p := NewPeers()
	p.Reset([]string{"b"}, 10)

	p.Backoff("b", 4)
	if got := p.NextIndex("b"); got != 4 {
		t.Fatalf("NextIndex(b) = %d, want 4", got)
	}
}

func TestBackoffDecrementsWithoutConflictIndex(t *testing.T) {
	p := NewPeers()
	p.Reset([]string{"b"}, 10)

	p.Backoff("b", 0)
	if got := p.NextIndex("b"); got != 10 {
		t.Fatalf("NextIndex(b) = %d, want 10", got)
	}
}

func TestInflightTracksPerPeer(t *testing.T) {
	p := NewPeers()
	p.Reset([]string{"b", "c"}, 0)

	p.SetInflight("b", true)
	if !p.IsInflight("b") {
		t.Fatal("IsInflight(b) = false, want true")
	}
	if p.IsInflight("c") {
		t.Fatal("IsInflight(c) = true, want false")
	}
}

func TestSetSnapshotAckResetsOffset(t *testing.T) {
	p := NewPeers()
	p.Reset([]string{"b"}, 0)
	p.SetSnapshotOffset("b", 4096)

	p.SetSnapshotAck("b", 20)
	if got := p.MatchIndex("b"); got != 20 {
		t.Fatalf("MatchIndex(b) = %d, want 20", got)
	}
	if got := p.NextIndex("b"); got != 21 {
		t.Fatalf("NextIndex(b) = %d, want 21", got)
	}
	if got := p.SnapshotOffset("b"); got != 0 {
		t.Fatalf("SnapshotOffset(b) = %d, want 0", got)
	}
}

func TestMatchIndexesForReturnsRequestedPeers(t *testing.T) {
	p := NewPeers()
	p.Reset([]string{"b", "c", "d"}, 0)
	p.SetProgress("b", 3)
	p.SetProgress("c", 5)

	indexes := p.MatchIndexesFor([]string{"b", "c", "d"})
	if len(indexes) != 3 {
		t.Fatalf("len(MatchIndexesFor(b,c,d)) = %d, want 3", len(indexes))
	}
}

func TestMatchIndexesForSkipsUntrackedAndExcludedPeers(t *testing.T) {
	p := NewPeers()
	p.Reset([]string{"b", "c"}, 0)
	p.AddPeer("learner", 0) // tracked, but not a voter

	indexes := p.MatchIndexesFor([]string{"b", "c"})
	if len(indexes) != 2 {
		t.Fatalf("len(MatchIndexesFor(b,c)) = %d, want 2 (learner excluded)", len(indexes))
	}

	indexes = p.MatchIndexesFor([]string{"b", "c", "nonexistent"})
	if len(indexes) != 2 {
		t.Fatalf("len(MatchIndexesFor(b,c,nonexistent)) = %d, want 2 (untracked id skipped)", len(indexes))
	}
}
