package raft

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/vzdtic/raftkv-core/pkg/cluster"
	"github.com/vzdtic/raftkv-core/pkg/logstore"
	"github.com/vzdtic/raftkv-core/pkg/metastore"
)

// fakeSM is a minimal StateMachine that just records applied payloads.
type fakeSM struct {
	applied [][]byte
}

func (f *fakeSM) Apply(payload []byte) (interface{}, error) {
	f.applied = append(f.applied, payload)
	return len(f.applied), nil
}
func (f *fakeSM) Snapshot() ([]byte, error) { return nil, nil }
func (f *fakeSM) Restore([]byte) error      { return nil }

// fakeTransport routes RPCs directly to in-process *Raft nodes, used
// so pkg/raft's own tests don't need to depend on pkg/transport.
type fakeTransport struct {
	nodes map[string]*Raft
}

func newFakeTransport() *fakeTransport { return &fakeTransport{nodes: make(map[string]*Raft)} }

func (t *fakeTransport) SendRequestVote(ctx context.Context, target string, req *RequestVoteMessage) (*RequestVoteResponse, error) {
	n, ok := t.nodes[target]
	if !ok {
		return nil, ErrStale
	}
	return n.HandleRequestVote(req)
}

func (t *fakeTransport) SendAppendEntries(ctx context.Context, target string, req *AppendEntriesMessage) (*AppendEntriesResponse, error) {
	n, ok := t.nodes[target]
	if !ok {
		return nil, ErrStale
	}
	return n.HandleAppendEntries(req)
}

func (t *fakeTransport) SendInstallSnapshot(ctx context.Context, target string, req *InstallSnapshotMessage) (*InstallSnapshotResponse, error) {
	n, ok := t.nodes[target]
	if !ok {
		return nil, ErrStale
	}
	return n.HandleInstallSnapshot(req)
}

func testConfig(id string) Config {
	c := DefaultConfig(id, Peer{ID: id})
	c.TickIntervalMS = 10
	c.HeartbeatTicks = 2
	c.ElectionTimeoutTicks = 8
	return c
}

func newTestCluster(t *testing.T, ids []string) (*fakeTransport, map[string]*Raft, map[string]*fakeSM) {
	t.Helper()
	tr := newFakeTransport()
	nodes := make(map[string]*Raft)
	sms := make(map[string]*fakeSM)

	for _, id := range ids {
		dir := t.TempDir()
		logs, err := logstore.Open(dir)
		if err != nil {
			t.Fatal(err)
		}
		meta, err := metastore.Open(dir)
		if err != nil {
			t.Fatal(err)
		}
		members := cluster.NewManager()
		var peers []cluster.Member
		for _, other := range ids {
			if other != id {
				peers = append(peers, cluster.Member{ID: other, Voting: true})
			}
		}
		members.Bootstrap(cluster.Member{ID: id, Voting: true}, peers)

		sm := &fakeSM{}
		node, err := New(testConfig(id), logs, meta, members, tr, sm, zap.NewNop().Sugar())
		if err != nil {
			t.Fatal(err)
		}
		tr.nodes[id] = node
		nodes[id] = node
		sms[id] = sm
	}
	return tr, nodes, sms
}

func tickAll(nodes map[string]*Raft, n int) {
	for i := 0; i < n; i++ {
		for _, node := range nodes {
			node.Tick()
		}
	}
}

func findLeader(nodes map[string]*Raft) *Raft {
	for _, n := range nodes {
		if n.Status().Role == Leader {
			return n
		}
	}
	return nil
}

func TestElectsASingleLeader(t *testing.T) {
	_, nodes, _ := newTestCluster(t, []string{"a", "b", "c"})
	tickAll(nodes, 40)

	leaders := 0
	for _, n := range nodes {
		if n.Status().Role == Leader {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("leaders = %d, want 1", leaders)
	}
}

func TestProposeReplicatesAndCommits(t *testing.T) {
	_, nodes, sms := newTestCluster(t, []string{"a", "b", "c"})
	tickAll(nodes, 40)

	leader := findLeader(nodes)
	if leader == nil {
		t.Fatal("no leader elected")
	}

	res, err := leader.Propose(context.Background(), []byte("hello"))
	if err == nil {
		tickAll(nodes, 20)
	}
	_ = res

	// Drive enough ticks for the heartbeat to carry the entry and the
	// commit index to propagate back.
	tickAll(nodes, 20)

	found := false
	for _, sm := range sms {
		for _, p := range sm.applied {
			if string(p) == "hello" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("entry was not applied on any node")
	}
}

func TestNonLeaderRejectsPropose(t *testing.T) {
	_, nodes, _ := newTestCluster(t, []string{"a", "b", "c"})
	tickAll(nodes, 40)

	leader := findLeader(nodes)
	for id, n := range nodes {
		if n == leader {
			continue
		}
		_, err := n.Propose(context.Background(), []byte("x"))
		if err != ErrNotLeader {
			t.Fatalf("Propose on follower %s = %v, want ErrNotLeader", id, err)
		}
	}
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	_, nodes, _ := newTestCluster(t, []string{"a", "b"})
	a := nodes["a"]

	a.mu.Lock()
	a.currentTerm = 5
	a.mu.Unlock()

	resp, err := a.HandleRequestVote(&RequestVoteMessage{Term: 3, CandidateID: "b", PreVote: false})
	if err != nil {
		t.Fatal(err)
	}
	if resp.VoteGranted {
		t.Fatal("VoteGranted = true for a stale term, want false")
	}
}

func TestHandleAppendEntriesRejectsLogGap(t *testing.T) {
	_, nodes, _ := newTestCluster(t, []string{"a", "b"})
	a := nodes["a"]

	resp, err := a.HandleAppendEntries(&AppendEntriesMessage{
		Term:         1,
		LeaderID:     "b",
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Fatal("Success = true despite a log gap, want false")
	}
	if resp.ConflictIndex == 0 {
		t.Fatal("ConflictIndex = 0, want the follower's last index + 1")
	}
}
