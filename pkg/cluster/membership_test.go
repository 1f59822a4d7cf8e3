package cluster

import (
	"errors"
	"testing"
)

func TestBootstrapSeedsActiveVoters(t *testing.T) {
	m := NewManager()
	m.Bootstrap(Member{ID: "a", Address: "a:1", Voting: true}, []Member{
		{ID: "b", Address: "b:1", Voting: true},
		{ID: "c", Address: "c:1", Voting: true},
	})

	if got := m.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
	if got := m.QuorumSize(); got != 2 {
		t.Fatalf("QuorumSize() = %d, want 2", got)
	}
}

func TestAddMemberRejectsDuplicate(t *testing.T) {
	m := NewManager()
	m.Bootstrap(Member{ID: "a", Voting: true}, nil)

	if err := m.AddMember("a", "a:1", true); !errors.Is(err, ErrMemberExists) {
		t.Fatalf("AddMember(a) = %v, want ErrMemberExists", err)
	}
}

func TestNewMemberJoinsAsNonVotingLearner(t *testing.T) {
	m := NewManager()
	m.Bootstrap(Member{ID: "a", Voting: true}, nil)

	if err := m.AddMember("b", "b:1", false); err != nil {
		t.Fatal(err)
	}
	if got := m.QuorumSize(); got != 1 {
		t.Fatalf("QuorumSize() after joining learner = %d, want 1", got)
	}

	if err := m.ActivateMember("b"); err != nil {
		t.Fatal(err)
	}
	member, ok := m.GetMember("b")
	if !ok || !member.Voting || member.State != MemberStateActive {
		t.Fatalf("GetMember(b) after activate = %+v, %v", member, ok)
	}
	if got := m.QuorumSize(); got != 2 {
		t.Fatalf("QuorumSize() after activate = %d, want 2", got)
	}
}

func TestRemoveMemberExcludesFromQuorum(t *testing.T) {
	m := NewManager()
	m.Bootstrap(Member{ID: "a", Voting: true}, []Member{{ID: "b", Voting: true}, {ID: "c", Voting: true}})

	if err := m.RemoveMember("c"); err != nil {
		t.Fatal(err)
	}
	if got := m.QuorumSize(); got != 2 {
		t.Fatalf("QuorumSize() after remove = %d, want 2", got)
	}
	voters := m.GetVotingMembers()
	for _, v := range voters {
		if v.ID == "c" {
			t.Fatal("removed member c still counted as voting")
		}
	}
}

func TestBeginChangeRejectsSecondPending(t *testing.T) {
	m := NewManager()
	m.Bootstrap(Member{ID: "a", Voting: true}, nil)

	if err := m.BeginChange(); err != nil {
		t.Fatal(err)
	}
	if err := m.BeginChange(); !errors.Is(err, ErrConfigConflict) {
		t.Fatalf("second BeginChange() = %v, want ErrConfigConflict", err)
	}

	m.AbortChange()
	if err := m.BeginChange(); err != nil {
		t.Fatalf("BeginChange() after abort = %v, want nil", err)
	}
}

func TestAddMemberClearsPendingFlag(t *testing.T) {
	m := NewManager()
	m.Bootstrap(Member{ID: "a", Voting: true}, nil)

	if err := m.BeginChange(); err != nil {
		t.Fatal(err)
	}
	if err := m.AddMember("b", "b:1", false); err != nil {
		t.Fatal(err)
	}
	if m.PendingChange() {
		t.Fatal("PendingChange() = true after AddMember committed, want false")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := NewManager()
	m.Bootstrap(Member{ID: "a", Voting: true}, []Member{{ID: "b", Voting: true}})

	snap := m.Snapshot()

	restored := NewManager()
	restored.Restore(snap)
	if got := restored.Count(); got != 2 {
		t.Fatalf("Count() after restore = %d, want 2", got)
	}
	if got := restored.QuorumSize(); got != 2 {
		t.Fatalf("QuorumSize() after restore = %d, want 2", got)
	}
}
