package raft

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/vzdtic/raftkv-core/pkg/logstore"
)

// ConfigChangeType distinguishes the three membership mutations a
// client can propose through the log.
type ConfigChangeType int

const (
	ConfigChangeAddMember ConfigChangeType = iota
	ConfigChangeRemoveMember
	ConfigChangeActivateMember
)

// ConfigChange is the payload of an EntryConfigChange log entry.
type ConfigChange struct {
	Type    ConfigChangeType
	ID      string
	Address string
	Voting  bool
}

func encodeConfigChange(c ConfigChange) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeConfigChange(payload []byte) (ConfigChange, error) {
	var c ConfigChange
	err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&c)
	return c, err
}

func (r *Raft) applyConfigChangeLocked(payload []byte) error {
	c, err := decodeConfigChange(payload)
	if err != nil {
		return err
	}
	switch c.Type {
	case ConfigChangeAddMember:
		if err := r.members.AddMember(c.ID, c.Address, c.Voting); err != nil {
			return err
		}
		if r.role == Leader && c.ID != r.config.ID {
			r.peers.AddPeer(c.ID, r.logs.LastIndex())
		}
	case ConfigChangeRemoveMember:
		if err := r.members.RemoveMember(c.ID); err != nil {
			return err
		}
		if r.role == Leader {
			r.peers.RemovePeer(c.ID)
		}
	case ConfigChangeActivateMember:
		if err := r.members.ActivateMember(c.ID); err != nil {
			return err
		}
	}
	return nil
}

// Propose appends payload as a normal entry to the leader's log and
// blocks until it is either committed or superseded (e.g. by a
// truncation after a leadership change). It returns ErrNotLeader
// immediately if called on a non-leader.
func (r *Raft) Propose(ctx context.Context, payload []byte) (ProposeResult, error) {
	r.mu.Lock()
	if r.role != Leader {
		r.mu.Unlock()
		return ProposeResult{}, ErrNotLeader
	}

	entry := logstore.Entry{
		Index: r.logs.LastIndex() + 1,
		Term:  r.currentTerm,
		Kind:  logstore.EntryNormal,
		Payload: payload,
	}
	if err := r.logs.Append(entry); err != nil {
		r.mu.Unlock()
		return ProposeResult{}, err
	}

	ch := make(chan ProposeResult, 1)
	r.pendingMu.Lock()
	r.pending[entry.Index] = ch
	r.pendingMu.Unlock()

	r.broadcastAppendEntriesLocked()
	r.mu.Unlock()

	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return ProposeResult{}, ctx.Err()
	case <-r.shutdownC:
		return ProposeResult{}, ErrShuttingDown
	}
}

// ProposeConfigChange appends a membership mutation to the log,
// guarded by the single in-flight configuration change rule: a second
// call while one is pending returns ErrConfigConflict without
// touching the log.
func (r *Raft) ProposeConfigChange(ctx context.Context, c ConfigChange) (ProposeResult, error) {
	if err := r.members.BeginChange(); err != nil {
		return ProposeResult{}, ErrConfigConflict
	}

	payload, err := encodeConfigChange(c)
	if err != nil {
		r.members.AbortChange()
		return ProposeResult{}, err
	}

	r.mu.Lock()
	if r.role != Leader {
		r.mu.Unlock()
		r.members.AbortChange()
		return ProposeResult{}, ErrNotLeader
	}
	entry := logstore.Entry{
		Index:   r.logs.LastIndex() + 1,
		Term:    r.currentTerm,
		Kind:    logstore.EntryConfigChange,
		Payload: payload,
	}
	if err := r.logs.Append(entry); err != nil {
		r.mu.Unlock()
		r.members.AbortChange()
		return ProposeResult{}, err
	}
	ch := make(chan ProposeResult, 1)
	r.pendingMu.Lock()
	r.pending[entry.Index] = ch
	r.pendingMu.Unlock()
	r.broadcastAppendEntriesLocked()
	r.mu.Unlock()

	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return ProposeResult{}, ctx.Err()
	case <-r.shutdownC:
		return ProposeResult{}, ErrShuttingDown
	}
}

// ReadIndex implements a linearizable read without appending to the
// log: it records the current commitIndex, then confirms leadership by
// exchanging one heartbeat round with a quorum before allowing the
// caller to read the state machine at that index, ruling out a stale
// read from a leader that has since been partitioned away.
func (r *Raft) ReadIndex(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	if r.role != Leader {
		r.mu.Unlock()
		return 0, ErrNotLeader
	}
	readIndex := r.commitIndex
	voters := r.members.GetVotingMembers()
	quorum := r.members.QuorumSize()
	r.mu.Unlock()

	if len(voters) <= 1 {
		return readIndex, nil
	}

	type ackResult struct{ ok bool }
	acks := make(chan ackResult, len(voters))
	for _, v := range voters {
		if v.ID == r.config.ID {
			continue
		}
		go func(target string) {
			rctx, cancel := context.WithTimeout(ctx, electionRPCTimeout(r.config))
			defer cancel()
			resp, err := r.transport.SendAppendEntries(rctx, target, &AppendEntriesMessage{
				Term:         r.currentTermSnapshot(),
				LeaderID:     r.config.ID,
				PrevLogIndex: r.logs.LastIndex(),
				PrevLogTerm:  r.lastLogTermSnapshot(r.logs.LastIndex()),
				LeaderCommit: r.commitIndexSnapshot(),
			})
			acks <- ackResult{ok: err == nil && resp.Success}
		}(v.ID)
	}

	granted := 1 // self
	for i := 0; i < len(voters)-1; i++ {
		select {
		case a := <-acks:
			if a.ok {
				granted++
			}
			if granted >= quorum {
				return readIndex, nil
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if granted >= quorum {
		return readIndex, nil
	}
	return 0, ErrNotLeader
}

func (r *Raft) currentTermSnapshot() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm
}

func (r *Raft) commitIndexSnapshot() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitIndex
}

func (r *Raft) lastLogTermSnapshot(index uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastLogTermLocked(index)
}
