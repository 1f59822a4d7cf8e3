package raft

import (
	"context"
	"errors"
	"sort"

	"github.com/vzdtic/raftkv-core/pkg/logstore"
)

// broadcastAppendEntriesLocked fires off one AppendEntries (or
// InstallSnapshot, if the peer has fallen behind the log's retained
// prefix) per non-removed peer, joining learners included, that
// doesn't already have a request in flight, then re-evaluates the
// commit index so a cluster whose only voter is the leader commits
// without waiting for a response. Called on every heartbeat tick and
// immediately after a successful Propose.
func (r *Raft) broadcastAppendEntriesLocked() {
	for _, v := range r.members.GetActiveMembers() {
		if v.ID == r.config.ID {
			continue
		}
		if r.peers.IsInflight(v.ID) {
			continue
		}
		r.replicateToLocked(v.ID)
	}
	r.advanceCommitIndexLocked()
}

func (r *Raft) replicateToLocked(peerID string) {
	nextIndex := r.peers.NextIndex(peerID)
	firstIndex := r.logs.FirstIndex()

	if nextIndex < firstIndex {
		r.sendInstallSnapshotLocked(peerID)
		return
	}

	prevIndex := nextIndex - 1
	prevTerm := r.lastLogTermLocked(prevIndex)

	hi := nextIndex + uint64(r.config.MaxEntriesPerAppend) - 1
	entries, err := r.logs.Range(nextIndex, hi)
	if err != nil {
		return
	}

	req := &AppendEntriesMessage{
		Term:         r.currentTerm,
		LeaderID:     r.config.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	}

	r.peers.SetInflight(peerID, true)
	go r.sendAppendEntries(peerID, req)
}

func (r *Raft) sendAppendEntries(target string, req *AppendEntriesMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), electionRPCTimeout(r.config))
	defer cancel()

	resp, err := r.transport.SendAppendEntries(ctx, target, req)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers.SetInflight(target, false)
	if err != nil {
		return
	}
	r.handleAppendEntriesResponseLocked(target, req, resp)
}

func (r *Raft) handleAppendEntriesResponseLocked(from string, req *AppendEntriesMessage, resp *AppendEntriesResponse) {
	if resp.Term > r.currentTerm {
		r.stepDownLocked("higher term in append response", resp.Term)
		return
	}
	if r.role != Leader || req.Term != r.currentTerm {
		return
	}

	if !resp.Success {
		r.peers.Backoff(from, resp.ConflictIndex)
		r.replicateToLocked(from)
		return
	}

	r.peers.SetProgress(from, resp.MatchIndex)
	r.advanceCommitIndexLocked()
}

// advanceCommitIndexLocked applies the commitment rule: commitIndex
// advances to the highest index replicated on a quorum of voting
// members, but only if that index's entry was written in the leader's
// current term (never commit by counting replicas of an older term's
// entry directly).
func (r *Raft) advanceCommitIndexLocked() {
	var voterIDs []string
	for _, v := range r.members.GetVotingMembers() {
		if v.ID != r.config.ID {
			voterIDs = append(voterIDs, v.ID)
		}
	}
	matches := append(r.peers.MatchIndexesFor(voterIDs), r.logs.LastIndex()) // self always matches its own log
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	quorum := r.members.QuorumSize()
	if quorum > len(matches) {
		return
	}
	candidate := matches[quorum-1]

	if candidate <= r.commitIndex {
		return
	}
	term := r.lastLogTermLocked(candidate)
	if term != r.currentTerm {
		return
	}

	r.commitIndex = candidate
	if err := r.logs.PersistCommitMeta(r.commitIndex, r.lastApplied); err != nil {
		r.log.Errorw("persist commit index failed", "error", err)
		return
	}
	r.applyCommittedLocked()
}

// applyCommittedLocked pushes every entry between lastApplied and
// commitIndex into the state machine, in order. commitIndex must
// already be durable by the time this runs (enforced by the caller
// persisting it first).
func (r *Raft) applyCommittedLocked() {
	for r.lastApplied < r.commitIndex {
		idx := r.lastApplied + 1
		entry, err := r.logs.Get(idx)
		if err != nil {
			return
		}

		var response interface{}
		var applyErr error
		switch entry.Kind {
		case logstore.EntryNormal:
			response, applyErr = r.sm.Apply(entry.Payload)
		case logstore.EntryConfigChange:
			applyErr = r.applyConfigChangeLocked(entry.Payload)
		case logstore.EntryNoOp:
			// carries no payload to apply, only anchors the term
		}
		if applyErr != nil {
			r.log.Errorw("apply failed", "index", idx, "error", applyErr)
		}

		r.lastApplied = idx
		if err := r.logs.PersistCommitMeta(r.commitIndex, r.lastApplied); err != nil {
			r.log.Errorw("persist applied index failed", "error", err)
		}

		select {
		case r.applyCh <- ApplyMsg{Index: idx, Term: entry.Term, Kind: entry.Kind, Payload: entry.Payload}:
		default:
		}

		if ch, ok := r.takePendingLocked(idx); ok {
			ch <- ProposeResult{Index: idx, Term: entry.Term, Response: response, Err: applyErr}
		}
	}
	r.maybeSnapshotLocked()
}

func (r *Raft) takePendingLocked(index uint64) (chan ProposeResult, bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	ch, ok := r.pending[index]
	if ok {
		delete(r.pending, index)
	}
	return ch, ok
}

// HandleAppendEntries implements follower-side log reconciliation: it
// rejects stale terms, rejects a gap between its log and PrevLogIndex,
// resolves a term conflict by truncating the suffix, appends any new
// entries, and advances commitIndex to min(LeaderCommit, last new
// entry).
func (r *Raft) HandleAppendEntries(req *AppendEntriesMessage) (*AppendEntriesResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp := &AppendEntriesResponse{Term: r.currentTerm}

	if req.Term < r.currentTerm {
		resp.Success = false
		return resp, nil
	}
	if req.Term > r.currentTerm {
		r.stepDownLocked("higher term in append request", req.Term)
		resp.Term = r.currentTerm
	} else if r.role == Candidate || r.role == PreCandidate {
		r.role = Follower
	}

	r.leaderID = req.LeaderID
	r.resetElectionTimer()

	lastIndex := r.logs.LastIndex()
	firstIndex := r.logs.FirstIndex()

	if req.PrevLogIndex > lastIndex {
		resp.Success = false
		resp.ConflictIndex = lastIndex + 1
		resp.ConflictTerm = 0
		return resp, nil
	}

	if req.PrevLogIndex >= firstIndex-1 {
		prevTerm := r.lastLogTermLocked(req.PrevLogIndex)
		if prevTerm != req.PrevLogTerm {
			conflictTerm := prevTerm
			conflictIndex := req.PrevLogIndex
			for conflictIndex > firstIndex && r.lastLogTermLocked(conflictIndex-1) == conflictTerm {
				conflictIndex--
			}
			resp.Success = false
			resp.ConflictTerm = conflictTerm
			resp.ConflictIndex = conflictIndex
			return resp, nil
		}
	}

	for _, entry := range req.Entries {
		existing, err := r.logs.Get(entry.Index)
		if err == nil {
			if existing.Term == entry.Term {
				continue
			}
			if err := r.logs.TruncateSuffix(entry.Index, r.commitIndex); err != nil {
				resp.Success = false
				return resp, nil
			}
		} else if !errors.Is(err, logstore.ErrOutOfRange) {
			return nil, err
		}
		if err := r.logs.Append(entry); err != nil {
			resp.Success = false
			return resp, nil
		}
	}

	if req.LeaderCommit > r.commitIndex {
		newCommit := req.LeaderCommit
		if lastNew := req.PrevLogIndex + uint64(len(req.Entries)); newCommit > lastNew {
			newCommit = lastNew
		}
		if newCommit > r.commitIndex {
			r.commitIndex = newCommit
			if err := r.logs.PersistCommitMeta(r.commitIndex, r.lastApplied); err != nil {
				return nil, err
			}
			r.applyCommittedLocked()
		}
	}

	resp.Success = true
	resp.MatchIndex = req.PrevLogIndex + uint64(len(req.Entries))
	return resp, nil
}
