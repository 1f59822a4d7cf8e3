// Package raft implements the replicated consensus core of the
// key-value store: leader election with a pre-vote phase, log
// replication, the commitment rule, follower log reconciliation, and
// snapshot transfer. The embedded state machine, transport, and any
// client-facing RPC surface are supplied by the caller through the
// StateMachine and Transport interfaces; this package owns none of
// them.
//
// The core is a single tick-driven state machine: Tick is the only
// clock-facing entry point, every timeout is counted in ticks, and one
// mutex guards the node's consensus state so tests can call Tick,
// Propose and the RPC handlers directly without a live Ticker or
// network.
package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vzdtic/raftkv-core/pkg/cluster"
	"github.com/vzdtic/raftkv-core/pkg/logstore"
	"github.com/vzdtic/raftkv-core/pkg/metastore"
)

// Raft is a single node's consensus state. All exported methods are
// safe for concurrent use; mu guards all role, term and index state,
// while pendingMu guards the pending-proposal table and the snapshot
// state carries its own lock.
type Raft struct {
	mu     sync.Mutex
	config Config
	log    *zap.SugaredLogger

	role          Role
	currentTerm   uint64
	votedFor      string
	leaderID      string
	commitIndex   uint64
	lastApplied   uint64
	electionTicks int // ticks remaining before a follower/candidate starts an election
	heartbeatDue  int // ticks remaining before the leader sends its next heartbeat

	preVotes map[string]bool // responses collected during the current pre-vote round

	logs    *logstore.Store
	meta    *metastore.Store
	peers   *cluster.Peers
	members *cluster.Manager

	transport Transport
	sm        StateMachine

	rng *rand.Rand

	pendingMu sync.Mutex
	pending   map[uint64]chan ProposeResult

	snapshot *snapshotState

	applyCh   chan ApplyMsg
	shutdownC chan struct{}
	stopOnce  sync.Once
}

// New wires a consensus core on top of an already-open log/meta store,
// a membership manager seeded by the caller, a transport, and a state
// machine. It recovers persistent state and replays committed entries
// into sm before returning.
func New(config Config, logs *logstore.Store, meta *metastore.Store, members *cluster.Manager, transport Transport, sm StateMachine, log *zap.SugaredLogger) (*Raft, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	r := &Raft{
		config:    config,
		log:       log,
		role:      Follower,
		logs:      logs,
		meta:      meta,
		peers:     cluster.NewPeers(),
		members:   members,
		transport: transport,
		sm:        sm,
		rng:       rand.New(rand.NewSource(int64(hashString(config.ID)))),
		pending:   make(map[uint64]chan ProposeResult),
		applyCh:   make(chan ApplyMsg, 256),
		shutdownC: make(chan struct{}),
	}

	m := meta.Load()
	r.currentTerm = m.CurrentTerm
	r.votedFor = m.VotedFor

	commitIndex, appliedIndex := logs.CommitMeta()
	r.commitIndex = commitIndex
	r.lastApplied = appliedIndex

	r.snapshot = newSnapshotState()
	r.resetElectionTimer()

	if err := r.replayCommitted(); err != nil {
		return nil, fmt.Errorf("raft: replay on startup: %w", err)
	}

	return r, nil
}

// hashString turns a node ID into a deterministic seed so two nodes
// with different IDs don't draw from the same jitter sequence, while a
// given node's sequence is reproducible across restarts for tests.
func hashString(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func (r *Raft) replayCommitted() error {
	for idx := r.lastApplied + 1; idx <= r.commitIndex; idx++ {
		entry, err := r.logs.Get(idx)
		if err != nil {
			if errors.Is(err, logstore.ErrOutOfRange) {
				break // entries below this point were compacted into a snapshot already reflected in sm
			}
			return err
		}
		if entry.Kind == logstore.EntryNormal {
			if _, err := r.sm.Apply(entry.Payload); err != nil {
				r.log.Errorw("replay apply failed", "index", idx, "error", err)
			}
		}
		r.lastApplied = idx
	}
	return nil
}

// ApplyCh returns the channel applied entries are published on, in
// order, for callers that want to observe them beyond what sm.Apply
// already returns (e.g. to publish to watchers). Sends never block the
// core: an entry is dropped when the 256-slot buffer is full, and
// entries replayed by New at startup are not sent.
func (r *Raft) ApplyCh() <-chan ApplyMsg { return r.applyCh }

// Status returns a point-in-time snapshot of the node's state.
func (r *Raft) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		ID:          r.config.ID,
		Role:        r.role,
		Term:        r.currentTerm,
		LeaderID:    r.leaderID,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
		FirstIndex:  r.logs.FirstIndex(),
		LastIndex:   r.logs.LastIndex(),
	}
}

// Stop releases the pending proposals with ErrShuttingDown. It does
// not close the log or meta stores; the caller owns their lifecycle.
func (r *Raft) Stop() {
	r.stopOnce.Do(func() {
		close(r.shutdownC)
		r.pendingMu.Lock()
		for idx, ch := range r.pending {
			ch <- ProposeResult{Err: ErrShuttingDown}
			delete(r.pending, idx)
		}
		r.pendingMu.Unlock()
	})
}

func (r *Raft) electionJitter() int {
	if r.config.ElectionTimeoutTicks <= 0 {
		return 0
	}
	return r.rng.Intn(r.config.ElectionTimeoutTicks)
}

func (r *Raft) resetElectionTimer() {
	r.electionTicks = r.config.ElectionTimeoutTicks + r.electionJitter()
}

// Tick advances the node's logical clock by one tick. It is the only
// method that drives timeouts; callers either wire it to a Ticker or,
// in tests, call it directly in a loop.
func (r *Raft) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.role {
	case Leader:
		r.heartbeatDue--
		if r.heartbeatDue <= 0 {
			r.heartbeatDue = r.config.HeartbeatTicks
			r.broadcastAppendEntriesLocked()
		}
	default:
		r.electionTicks--
		if r.electionTicks <= 0 {
			r.startPreVoteLocked()
		}
	}
}

// stepDownLocked reverts to Follower in a newer term, clearing any
// leader-only state. Callers must hold mu.
func (r *Raft) stepDownLocked(term string, newTerm uint64) {
	if newTerm > r.currentTerm {
		r.currentTerm = newTerm
		r.votedFor = ""
		if err := r.meta.Persist(r.currentTerm, r.votedFor); err != nil {
			r.log.Errorw("persist on step down failed", "error", err)
		}
	}
	if r.role == Leader {
		r.log.Infow("stepping down from leader", "term", r.currentTerm, "reason", term)
	}
	r.role = Follower
	r.preVotes = nil
	r.resetElectionTimer()
}

// --- Pre-vote and election ---

func (r *Raft) startPreVoteLocked() {
	voters := r.members.GetVotingMembers()
	if len(voters) == 0 {
		r.resetElectionTimer()
		return
	}

	r.role = PreCandidate
	r.preVotes = map[string]bool{r.config.ID: true}
	r.resetElectionTimer()

	lastIndex := r.logs.LastIndex()
	lastTerm := r.lastLogTermLocked(lastIndex)
	req := &RequestVoteMessage{
		Term:         r.currentTerm + 1,
		CandidateID:  r.config.ID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
		PreVote:      true,
	}

	for _, v := range voters {
		if v.ID == r.config.ID {
			continue
		}
		go r.sendVoteRequest(v.ID, req)
	}
	r.checkElectionOutcomeLocked()
}

func (r *Raft) startElectionLocked() {
	r.role = Candidate
	r.currentTerm++
	r.votedFor = r.config.ID
	if err := r.meta.Persist(r.currentTerm, r.votedFor); err != nil {
		r.log.Errorw("persist on election start failed", "error", err)
	}
	r.preVotes = map[string]bool{r.config.ID: true}
	r.resetElectionTimer()

	lastIndex := r.logs.LastIndex()
	lastTerm := r.lastLogTermLocked(lastIndex)
	req := &RequestVoteMessage{
		Term:         r.currentTerm,
		CandidateID:  r.config.ID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
		PreVote:      false,
	}

	for _, v := range r.members.GetVotingMembers() {
		if v.ID == r.config.ID {
			continue
		}
		go r.sendVoteRequest(v.ID, req)
	}
	r.checkElectionOutcomeLocked()
}

func (r *Raft) sendVoteRequest(target string, req *RequestVoteMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), electionRPCTimeout(r.config))
	defer cancel()

	resp, err := r.transport.SendRequestVote(ctx, target, req)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handleVoteResponseLocked(target, req, resp)
}

func (r *Raft) handleVoteResponseLocked(from string, req *RequestVoteMessage, resp *RequestVoteResponse) {
	if resp.Term > r.currentTerm {
		r.stepDownLocked("higher term in vote response", resp.Term)
		return
	}
	wantTerm := req.Term
	if req.PreVote {
		wantTerm = req.Term - 1 // pre-vote advertises the term it would run in, one past currentTerm at send time
	}
	if (req.PreVote && r.role != PreCandidate) || (!req.PreVote && r.role != Candidate) {
		return
	}
	if !req.PreVote && r.currentTerm != wantTerm {
		return
	}
	if !resp.VoteGranted {
		return
	}
	if r.preVotes == nil {
		r.preVotes = map[string]bool{}
	}
	r.preVotes[from] = true
	r.checkElectionOutcomeLocked()
}

func (r *Raft) checkElectionOutcomeLocked() {
	quorum := r.members.QuorumSize()
	if len(r.preVotes) < quorum {
		return
	}
	switch r.role {
	case PreCandidate:
		r.startElectionLocked()
	case Candidate:
		r.becomeLeaderLocked()
	}
}

func (r *Raft) becomeLeaderLocked() {
	r.role = Leader
	r.leaderID = r.config.ID
	r.preVotes = nil
	r.heartbeatDue = r.config.HeartbeatTicks

	var peerIDs []string
	for _, v := range r.members.GetVotingMembers() {
		if v.ID != r.config.ID {
			peerIDs = append(peerIDs, v.ID)
		}
	}
	r.peers.Reset(peerIDs, r.logs.LastIndex())

	// A no-op entry anchors the commit rule to the new term: until an
	// entry from this term is replicated to a quorum, nothing older
	// can be declared committed either.
	noop := logstore.Entry{
		Index: r.logs.LastIndex() + 1,
		Term:  r.currentTerm,
		Kind:  logstore.EntryNoOp,
	}
	if err := r.logs.Append(noop); err != nil {
		r.log.Errorw("append no-op on leadership acquisition failed", "error", err)
		r.role = Follower
		return
	}
	r.log.Infow("became leader", "term", r.currentTerm)
	r.broadcastAppendEntriesLocked()
}

func (r *Raft) lastLogTermLocked(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	if index == r.logs.FirstIndex()-1 {
		return r.snapshot.lastIncludedTermLocked()
	}
	entry, err := r.logs.Get(index)
	if err != nil {
		return 0
	}
	return entry.Term
}

// --- RPC handlers ---

// HandleRequestVote evaluates a vote request and, for a real (non
// pre-vote) request it grants, durably persists the vote before
// returning.
func (r *Raft) HandleRequestVote(req *RequestVoteMessage) (*RequestVoteResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !req.PreVote && req.Term > r.currentTerm {
		r.stepDownLocked("higher term in vote request", req.Term)
	}

	resp := &RequestVoteResponse{Term: r.currentTerm, LeaderID: r.leaderID}

	if !req.PreVote && req.Term < r.currentTerm {
		resp.VoteGranted = false
		return resp, nil
	}
	// A pre-vote candidate advertises the term it would run an
	// election in, one past its own currentTerm.
	if req.PreVote && req.Term <= r.currentTerm {
		resp.VoteGranted = false
		return resp, nil
	}

	// A follower that has heard from a leader recently withholds its
	// pre-vote, so a partitioned node rejoining the cluster cannot
	// disrupt a functioning leader.
	if req.PreVote && r.role == Follower && r.leaderID != "" && r.electionTicks > r.config.ElectionTimeoutTicks/2 {
		resp.VoteGranted = false
		return resp, nil
	}

	lastIndex := r.logs.LastIndex()
	lastTerm := r.lastLogTermLocked(lastIndex)
	logOK := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	canVote := req.PreVote || r.votedFor == "" || r.votedFor == req.CandidateID
	if !(canVote && logOK) {
		resp.VoteGranted = false
		return resp, nil
	}

	if req.PreVote {
		resp.VoteGranted = true
		return resp, nil
	}

	r.votedFor = req.CandidateID
	if err := r.meta.Persist(r.currentTerm, r.votedFor); err != nil {
		return nil, fmt.Errorf("raft: persist vote: %w", err)
	}
	r.resetElectionTimer()
	resp.VoteGranted = true
	return resp, nil
}

// electionRPCTimeout bounds a single RequestVote round trip to a
// fraction of the election timeout, so a slow or unreachable peer
// cannot stall an election past the next timer tick.
func electionRPCTimeout(c Config) time.Duration {
	ms := c.TickIntervalMS * c.ElectionTimeoutTicks / 2
	if ms <= 0 {
		ms = 100
	}
	return time.Duration(ms) * time.Millisecond
}
