// Package simulation provides the deterministic test harness the
// consensus core is exercised under: a FaultyNetwork that can drop and
// delay messages on top of an in-memory transport, a Cluster that
// wires several nodes together and drives their clocks by hand, and
// checkers that assert the safety invariants and linearizability of
// whatever ran.
//
// It is built against the tick-driven core and its synchronous
// Transport interface.
package simulation

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/vzdtic/raftkv-core/pkg/raft"
	"github.com/vzdtic/raftkv-core/pkg/transport"
)

// FaultyNetwork wraps a LocalTransport with a configurable message
// drop rate and delay range, for fault-injection tests that need more
// than a clean partition.
type FaultyNetwork struct {
	inner *transport.LocalTransport

	mu       sync.Mutex
	dropRate float64
	minDelay time.Duration
	maxDelay time.Duration
	rng      *rand.Rand

	log []Message
}

// Message records one RPC attempt for later inspection by a test.
type Message struct {
	From, To string
	Kind     string
	Dropped  bool
}

// NewFaultyNetwork wraps transport with the given message drop rate in
// [0,1] and random delay in [minDelay, maxDelay).
func NewFaultyNetwork(inner *transport.LocalTransport, dropRate float64, minDelay, maxDelay time.Duration) *FaultyNetwork {
	return &FaultyNetwork{
		inner:    inner,
		dropRate: dropRate,
		minDelay: minDelay,
		maxDelay: maxDelay,
		rng:      rand.New(rand.NewSource(1)),
	}
}

// SetDropRate adjusts the fraction of RPCs silently dropped.
func (n *FaultyNetwork) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

func (n *FaultyNetwork) shouldDrop() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rng.Float64() < n.dropRate
}

func (n *FaultyNetwork) delay() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.maxDelay <= n.minDelay {
		return n.minDelay
	}
	return n.minDelay + time.Duration(n.rng.Int63n(int64(n.maxDelay-n.minDelay)))
}

func (n *FaultyNetwork) record(from, to, kind string, dropped bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = append(n.log, Message{From: from, To: to, Kind: kind, Dropped: dropped})
}

// Messages returns every RPC attempt recorded so far.
func (n *FaultyNetwork) Messages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Message, len(n.log))
	copy(out, n.log)
	return out
}

// SendRequestVote implements raft.Transport.
func (n *FaultyNetwork) SendRequestVote(ctx context.Context, target string, req *raft.RequestVoteMessage) (*raft.RequestVoteResponse, error) {
	if n.shouldDrop() {
		n.record(req.CandidateID, target, "RequestVote", true)
		return nil, raft.ErrTimeout
	}
	time.Sleep(n.delay())
	resp, err := n.inner.SendRequestVote(ctx, target, req)
	n.record(req.CandidateID, target, "RequestVote", false)
	return resp, err
}

// SendAppendEntries implements raft.Transport.
func (n *FaultyNetwork) SendAppendEntries(ctx context.Context, target string, req *raft.AppendEntriesMessage) (*raft.AppendEntriesResponse, error) {
	if n.shouldDrop() {
		n.record(req.LeaderID, target, "AppendEntries", true)
		return nil, raft.ErrTimeout
	}
	time.Sleep(n.delay())
	resp, err := n.inner.SendAppendEntries(ctx, target, req)
	n.record(req.LeaderID, target, "AppendEntries", false)
	return resp, err
}

// SendInstallSnapshot implements raft.Transport.
func (n *FaultyNetwork) SendInstallSnapshot(ctx context.Context, target string, req *raft.InstallSnapshotMessage) (*raft.InstallSnapshotResponse, error) {
	if n.shouldDrop() {
		n.record(req.LeaderID, target, "InstallSnapshot", true)
		return nil, raft.ErrTimeout
	}
	time.Sleep(n.delay())
	resp, err := n.inner.SendInstallSnapshot(ctx, target, req)
	n.record(req.LeaderID, target, "InstallSnapshot", false)
	return resp, err
}

// Partition, Heal and friends pass through to the wrapped transport so
// callers can combine clean partitions with message faults.
func (n *FaultyNetwork) Partition(id string)        { n.inner.Partition(id) }
func (n *FaultyNetwork) Heal(id string)              { n.inner.Heal(id) }
func (n *FaultyNetwork) Disconnect(from, to string)  { n.inner.Disconnect(from, to) }
func (n *FaultyNetwork) Connect(from, to string)     { n.inner.Connect(from, to) }
func (n *FaultyNetwork) HealAll()                    { n.inner.HealAll() }
