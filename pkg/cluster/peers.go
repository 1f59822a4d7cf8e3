// Package cluster holds the state the consensus core keeps about the
// rest of the cluster: per-peer replication cursors held only by the
// leader, and cluster membership bookkeeping. Peer progress is kept in
// its own type here so the Raft core's state doesn't also own cluster
// topology.
package cluster

import "sync"

// PeerState is the leader's view of one remote node's replication
// progress. No in-memory peer state is persisted: it is
// rebuilt from scratch via ResetLeaderState whenever a node becomes
// leader.
type PeerState struct {
	NextIndex      uint64
	MatchIndex     uint64
	Inflight       bool   // at most one outstanding AppendEntries per peer
	SnapshotOffset uint64 // byte offset of the in-progress InstallSnapshot transfer, 0 when idle
}

// Peers tracks PeerState for every member the leader replicates to
// other than the local node (voters, plus learners added via AddPeer),
// owned exclusively by the leader role.
type Peers struct {
	mu    sync.Mutex
	peers map[string]*PeerState
}

// NewPeers returns an empty peer table.
func NewPeers() *Peers {
	return &Peers{peers: make(map[string]*PeerState)}
}

// Reset (re)initializes replication cursors for the given peer IDs,
// called once on becoming leader: nextIndex starts at lastIndex+1,
// matchIndex at 0.
func (p *Peers) Reset(peerIDs []string, lastIndex uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.peers = make(map[string]*PeerState, len(peerIDs))
	for _, id := range peerIDs {
		p.peers[id] = &PeerState{NextIndex: lastIndex + 1}
	}
}

// AddPeer starts tracking a newly joined peer without disturbing any
// existing peer's cursors, unlike Reset which replaces the whole
// table. A no-op if id is already tracked.
func (p *Peers) AddPeer(id string, lastIndex uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[id]; ok {
		return
	}
	p.peers[id] = &PeerState{NextIndex: lastIndex + 1}
}

// RemovePeer stops tracking a peer, used once its removal from the
// cluster has committed.
func (p *Peers) RemovePeer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, id)
}

func (p *Peers) ensure(id string) *PeerState {
	ps, ok := p.peers[id]
	if !ok {
		ps = &PeerState{NextIndex: 1}
		p.peers[id] = ps
	}
	return ps
}

// NextIndex returns the next index to send to peer id.
func (p *Peers) NextIndex(id string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensure(id).NextIndex
}

// MatchIndex returns the highest index known replicated on peer id.
func (p *Peers) MatchIndex(id string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensure(id).MatchIndex
}

// SetProgress advances both cursors after a successful AppendEntries.
func (p *Peers) SetProgress(id string, matchIndex uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps := p.ensure(id)
	ps.MatchIndex = matchIndex
	ps.NextIndex = matchIndex + 1
}

// Backoff decrements nextIndex after a rejected AppendEntries, using
// the follower's conflict hint when present.
func (p *Peers) Backoff(id string, conflictIndex uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps := p.ensure(id)
	if conflictIndex > 0 {
		ps.NextIndex = conflictIndex
	} else if ps.NextIndex > 1 {
		ps.NextIndex--
	}
}

// SetSnapshotAck records that peer id has caught up to a snapshot's
// lastIncludedIndex.
func (p *Peers) SetSnapshotAck(id string, lastIncludedIndex uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps := p.ensure(id)
	ps.MatchIndex = lastIncludedIndex
	ps.NextIndex = lastIncludedIndex + 1
	ps.SnapshotOffset = 0
}

// SetInflight marks whether a peer currently has an outstanding
// AppendEntries/InstallSnapshot request, enforcing the single
// outstanding RPC per peer.
func (p *Peers) SetInflight(id string, inflight bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensure(id).Inflight = inflight
}

// IsInflight reports whether peer id has an outstanding request.
func (p *Peers) IsInflight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensure(id).Inflight
}

// SnapshotOffset returns the in-progress transfer offset for id.
func (p *Peers) SnapshotOffset(id string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensure(id).SnapshotOffset
}

// SetSnapshotOffset records how many bytes of the current snapshot
// transfer peer id has acknowledged.
func (p *Peers) SetSnapshotOffset(id string, offset uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensure(id).SnapshotOffset = offset
}

// MatchIndexesFor returns the matchIndex of each tracked peer in ids,
// skipping any id not yet tracked. Callers pass the current voting
// member set so a non-voting learner's progress (tracked the same way
// once AddPeer has started replicating to it) never slips into the
// leader's commit-quorum computation.
func (p *Peers) MatchIndexesFor(ids []string) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if ps, ok := p.peers[id]; ok {
			out = append(out, ps.MatchIndex)
		}
	}
	return out
}

// IDs returns the tracked peer IDs.
func (p *Peers) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.peers))
	for id := range p.peers {
		out = append(out, id)
	}
	return out
}
