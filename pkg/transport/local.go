// Package transport provides the two Transport implementations the
// consensus core is built against: an in-memory LocalTransport for
// tests and simulation, and a gRPC-backed GRPCTransport for real
// deployments. Both call through raft.Raft's handler methods directly.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/vzdtic/raftkv-core/pkg/raft"
)

// handler is the subset of *raft.Raft the local and gRPC transports
// dispatch incoming RPCs to.
type handler interface {
	HandleRequestVote(req *raft.RequestVoteMessage) (*raft.RequestVoteResponse, error)
	HandleAppendEntries(req *raft.AppendEntriesMessage) (*raft.AppendEntriesResponse, error)
	HandleInstallSnapshot(req *raft.InstallSnapshotMessage) (*raft.InstallSnapshotResponse, error)
}

// LocalTransport wires a set of in-process nodes together without any
// real networking, with optional artificial latency and link faults
// for the simulation harness.
type LocalTransport struct {
	mu       sync.RWMutex
	nodes    map[string]handler
	disabled map[string]map[string]bool
	latency  time.Duration
}

// NewLocalTransport returns an empty, fully-connected transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		nodes:    make(map[string]handler),
		disabled: make(map[string]map[string]bool),
	}
}

// Register associates a node ID with the *raft.Raft instance that
// should receive RPCs addressed to it.
func (t *LocalTransport) Register(id string, node handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
	if t.disabled[id] == nil {
		t.disabled[id] = make(map[string]bool)
	}
}

// SetLatency applies a fixed artificial delay to every RPC, simulating
// a slow network rather than a partitioned one.
func (t *LocalTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect drops the one-directional link from -> to.
func (t *LocalTransport) Disconnect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[string]bool)
	}
	t.disabled[from][to] = true
}

// Connect restores the one-directional link from -> to.
func (t *LocalTransport) Connect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition cuts every link between nodeID and the rest of the
// registered nodes, in both directions.
func (t *LocalTransport) Partition(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.nodes {
		if id == nodeID {
			continue
		}
		if t.disabled[nodeID] == nil {
			t.disabled[nodeID] = make(map[string]bool)
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[string]bool)
		}
		t.disabled[nodeID][id] = true
		t.disabled[id][nodeID] = true
	}
}

// Heal restores every link touching nodeID.
func (t *LocalTransport) Heal(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[nodeID] = make(map[string]bool)
	for id := range t.nodes {
		if t.disabled[id] != nil {
			delete(t.disabled[id], nodeID)
		}
	}
}

// HealAll restores every link in the simulated network.
func (t *LocalTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[string]map[string]bool)
}

func (t *LocalTransport) isConnected(from, to string) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

func (t *LocalTransport) dispatch(from, to string) (handler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[to]
	if !ok || !t.isConnected(from, to) {
		return nil, raft.ErrStale
	}
	return node, nil
}

func (t *LocalTransport) delay() {
	t.mu.RLock()
	d := t.latency
	t.mu.RUnlock()
	if d > 0 {
		time.Sleep(d)
	}
}

// SendRequestVote implements raft.Transport.
func (t *LocalTransport) SendRequestVote(ctx context.Context, target string, req *raft.RequestVoteMessage) (*raft.RequestVoteResponse, error) {
	node, err := t.dispatch(req.CandidateID, target)
	if err != nil {
		return nil, err
	}
	t.delay()
	return node.HandleRequestVote(req)
}

// SendAppendEntries implements raft.Transport.
func (t *LocalTransport) SendAppendEntries(ctx context.Context, target string, req *raft.AppendEntriesMessage) (*raft.AppendEntriesResponse, error) {
	node, err := t.dispatch(req.LeaderID, target)
	if err != nil {
		return nil, err
	}
	t.delay()
	return node.HandleAppendEntries(req)
}

// SendInstallSnapshot implements raft.Transport.
func (t *LocalTransport) SendInstallSnapshot(ctx context.Context, target string, req *raft.InstallSnapshotMessage) (*raft.InstallSnapshotResponse, error) {
	node, err := t.dispatch(req.LeaderID, target)
	if err != nil {
		return nil, err
	}
	t.delay()
	return node.HandleInstallSnapshot(req)
}
