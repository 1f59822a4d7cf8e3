package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/vzdtic/raftkv-core/pkg/raft"
)

type stubHandler struct {
	id    string
	votes int
}

func (s *stubHandler) HandleRequestVote(req *raft.RequestVoteMessage) (*raft.RequestVoteResponse, error) {
	s.votes++
	return &raft.RequestVoteResponse{Term: req.Term, VoteGranted: true}, nil
}

func (s *stubHandler) HandleAppendEntries(req *raft.AppendEntriesMessage) (*raft.AppendEntriesResponse, error) {
	return &raft.AppendEntriesResponse{Term: req.Term, Success: true}, nil
}

func (s *stubHandler) HandleInstallSnapshot(req *raft.InstallSnapshotMessage) (*raft.InstallSnapshotResponse, error) {
	return &raft.InstallSnapshotResponse{Term: req.Term}, nil
}

func TestLocalTransportRoutesToRegisteredNode(t *testing.T) {
	tr := NewLocalTransport()
	b := &stubHandler{id: "b"}
	tr.Register("a", &stubHandler{id: "a"})
	tr.Register("b", b)

	resp, err := tr.SendRequestVote(context.Background(), "b", &raft.RequestVoteMessage{Term: 1, CandidateID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.VoteGranted || b.votes != 1 {
		t.Fatalf("resp=%+v votes=%d", resp, b.votes)
	}
}

func TestLocalTransportUnknownTargetErrors(t *testing.T) {
	tr := NewLocalTransport()
	tr.Register("a", &stubHandler{id: "a"})

	_, err := tr.SendRequestVote(context.Background(), "ghost", &raft.RequestVoteMessage{CandidateID: "a"})
	if err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestPartitionBlocksBothDirections(t *testing.T) {
	tr := NewLocalTransport()
	tr.Register("a", &stubHandler{id: "a"})
	tr.Register("b", &stubHandler{id: "b"})

	tr.Partition("a")

	if _, err := tr.SendRequestVote(context.Background(), "b", &raft.RequestVoteMessage{CandidateID: "a"}); !errors.Is(err, raft.ErrStale) {
		t.Fatalf("SendRequestVote a->b after partition = %v, want ErrStale", err)
	}
	if _, err := tr.SendAppendEntries(context.Background(), "a", &raft.AppendEntriesMessage{LeaderID: "b"}); !errors.Is(err, raft.ErrStale) {
		t.Fatalf("SendAppendEntries b->a after partition = %v, want ErrStale", err)
	}
}

func TestHealRestoresLinks(t *testing.T) {
	tr := NewLocalTransport()
	tr.Register("a", &stubHandler{id: "a"})
	tr.Register("b", &stubHandler{id: "b"})

	tr.Partition("a")
	tr.Heal("a")

	if _, err := tr.SendRequestVote(context.Background(), "b", &raft.RequestVoteMessage{CandidateID: "a"}); err != nil {
		t.Fatalf("SendRequestVote after heal = %v, want nil", err)
	}
}

func TestDisconnectIsOneDirectional(t *testing.T) {
	tr := NewLocalTransport()
	tr.Register("a", &stubHandler{id: "a"})
	tr.Register("b", &stubHandler{id: "b"})

	tr.Disconnect("a", "b")

	if _, err := tr.SendRequestVote(context.Background(), "b", &raft.RequestVoteMessage{CandidateID: "a"}); !errors.Is(err, raft.ErrStale) {
		t.Fatalf("SendRequestVote a->b after disconnect = %v, want ErrStale", err)
	}
	if _, err := tr.SendAppendEntries(context.Background(), "a", &raft.AppendEntriesMessage{LeaderID: "b"}); err != nil {
		t.Fatalf("SendAppendEntries b->a after one-directional disconnect = %v, want nil", err)
	}
}
