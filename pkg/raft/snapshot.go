package raft

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"

	"github.com/vzdtic/raftkv-core/pkg/cluster"
)

// snapshotBundle is what actually gets gob-encoded and shipped across
// the wire: the state machine's own snapshot bytes plus the cluster
// membership at the moment the snapshot was taken, so a follower that
// installs it recovers both in one shot.
type snapshotBundle struct {
	StateMachine []byte
	Members      map[string]cluster.Member
}

// snapshotState holds both halves of the snapshot pipe: the leader's
// cached bytes of its most recent local snapshot (served to lagging
// followers chunk by chunk) and a follower's staging buffer for an
// in-progress transfer it has not yet installed.
type snapshotState struct {
	mu sync.Mutex

	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	cached            []byte // leader-side: full encoded bundle, served from

	recvFrom  string
	recvIndex uint64
	recvTerm  uint64
	recvBuf   []byte
}

func newSnapshotState() *snapshotState {
	return &snapshotState{}
}

func (s *snapshotState) lastIncludedTermLocked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIncludedTerm
}

// maybeSnapshotLocked compacts the log into a fresh local snapshot
// once the applied prefix has grown past the configured threshold.
// Called after every successful apply.
func (r *Raft) maybeSnapshotLocked() {
	threshold := r.config.SnapshotThresholdEntries
	if threshold == 0 {
		return
	}
	if r.lastApplied-r.logs.FirstIndex()+1 < threshold {
		return
	}
	if err := r.takeSnapshotLocked(); err != nil {
		r.log.Errorw("snapshot compaction failed", "error", err)
	}
}

func (r *Raft) takeSnapshotLocked() error {
	smBytes, err := r.sm.Snapshot()
	if err != nil {
		return err
	}
	bundle := snapshotBundle{StateMachine: smBytes, Members: r.members.Snapshot()}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(bundle); err != nil {
		return err
	}

	lastIncludedIndex := r.lastApplied
	lastIncludedTerm := r.lastLogTermLocked(lastIncludedIndex)

	// Compaction keeps the suffix after lastIncludedIndex: the leader's
	// unreplicated tail and any committed-but-unapplied entries must
	// survive so Propose never reassigns an index already in the log.
	// SetSnapshotOrigin's whole-log discard is used only by
	// HandleInstallSnapshot.
	if err := r.logs.TruncatePrefix(lastIncludedIndex); err != nil {
		return err
	}

	r.snapshot.mu.Lock()
	r.snapshot.lastIncludedIndex = lastIncludedIndex
	r.snapshot.lastIncludedTerm = lastIncludedTerm
	r.snapshot.cached = buf.Bytes()
	r.snapshot.mu.Unlock()

	r.log.Infow("compacted log into snapshot", "lastIncludedIndex", lastIncludedIndex, "lastIncludedTerm", lastIncludedTerm)
	return nil
}

// sendInstallSnapshotLocked sends the next chunk of the leader's
// cached snapshot to a peer whose nextIndex has fallen below the
// log's retained prefix.
func (r *Raft) sendInstallSnapshotLocked(peerID string) {
	r.snapshot.mu.Lock()
	data := r.snapshot.cached
	lastIncludedIndex := r.snapshot.lastIncludedIndex
	lastIncludedTerm := r.snapshot.lastIncludedTerm
	r.snapshot.mu.Unlock()

	if data == nil {
		return
	}

	offset := r.peers.SnapshotOffset(peerID)
	chunkSize := uint64(r.config.SnapshotChunkSize)
	if chunkSize == 0 {
		chunkSize = uint64(len(data))
	}
	end := offset + chunkSize
	done := end >= uint64(len(data))
	if done {
		end = uint64(len(data))
	}

	req := &InstallSnapshotMessage{
		Term:              r.currentTerm,
		LeaderID:          r.config.ID,
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Offset:            offset,
		Data:              data[offset:end],
		Done:              done,
	}

	r.peers.SetInflight(peerID, true)
	go r.sendInstallSnapshot(peerID, req)
}

func (r *Raft) sendInstallSnapshot(target string, req *InstallSnapshotMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), electionRPCTimeout(r.config))
	defer cancel()

	resp, err := r.transport.SendInstallSnapshot(ctx, target, req)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers.SetInflight(target, false)
	if err != nil {
		return
	}
	if resp.Term > r.currentTerm {
		r.stepDownLocked("higher term in install-snapshot response", resp.Term)
		return
	}
	if r.role != Leader {
		return
	}
	if req.Done {
		r.peers.SetSnapshotAck(target, req.LastIncludedIndex)
		r.replicateToLocked(target)
		return
	}
	r.peers.SetSnapshotOffset(target, resp.BytesStored)
	r.replicateToLocked(target)
}

// HandleInstallSnapshot stages an incoming chunk and, once the
// transfer is complete, atomically replaces the follower's state
// machine and membership table and discards the follower's whole log,
// including any entries after LastIncludedIndex, whether or not they
// match the leader's.
func (r *Raft) HandleInstallSnapshot(req *InstallSnapshotMessage) (*InstallSnapshotResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.Term < r.currentTerm {
		return &InstallSnapshotResponse{Term: r.currentTerm}, nil
	}
	if req.Term > r.currentTerm {
		r.stepDownLocked("higher term in install-snapshot request", req.Term)
	}
	r.leaderID = req.LeaderID
	r.resetElectionTimer()

	ss := r.snapshot
	ss.mu.Lock()
	if ss.recvFrom != req.LeaderID || ss.recvIndex != req.LastIncludedIndex || req.Offset == 0 {
		ss.recvFrom = req.LeaderID
		ss.recvIndex = req.LastIncludedIndex
		ss.recvTerm = req.LastIncludedTerm
		ss.recvBuf = nil
	}
	ss.recvBuf = append(ss.recvBuf, req.Data...)
	buf := ss.recvBuf
	ss.mu.Unlock()

	resp := &InstallSnapshotResponse{Term: r.currentTerm, BytesStored: uint64(len(buf))}
	if !req.Done {
		return resp, nil
	}

	var bundle snapshotBundle
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&bundle); err != nil {
		ss.mu.Lock()
		ss.recvBuf = nil
		ss.mu.Unlock()
		return nil, err
	}

	if err := r.sm.Restore(bundle.StateMachine); err != nil {
		return nil, err
	}
	r.members.Restore(bundle.Members)

	if err := r.logs.SetSnapshotOrigin(req.LastIncludedIndex, req.LastIncludedTerm); err != nil {
		return nil, err
	}

	r.commitIndex = req.LastIncludedIndex
	r.lastApplied = req.LastIncludedIndex
	if err := r.logs.PersistCommitMeta(r.commitIndex, r.lastApplied); err != nil {
		return nil, err
	}

	ss.mu.Lock()
	ss.lastIncludedIndex = req.LastIncludedIndex
	ss.lastIncludedTerm = req.LastIncludedTerm
	ss.cached = buf
	ss.recvBuf = nil
	ss.mu.Unlock()

	r.log.Infow("installed snapshot from leader", "lastIncludedIndex", req.LastIncludedIndex)
	return resp, nil
}
