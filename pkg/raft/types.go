package raft

import (
	"github.com/vzdtic/raftkv-core/pkg/logstore"
)

// Role is the role a node occupies in the current term.
// PreCandidate sits between Follower and Candidate: a node that
// suspects the leader is gone runs a pre-vote round there before
// bumping its term, so a partitioned node rejoining the cluster does
// not disrupt a healthy leader.
type Role int

const (
	Follower Role = iota
	PreCandidate
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case PreCandidate:
		return "pre-candidate"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Config holds the tunables of the consensus core. Timeouts are
// expressed in ticks rather than durations: Tick is called once per
// tickIntervalMs by a Ticker, and every timer the core keeps is a
// countdown of ticks, which is what lets tests drive elections and
// heartbeats deterministically without sleeping.
type Config struct {
	ID   string
	Self Peer

	TickIntervalMS int

	// HeartbeatTicks is how often the leader sends AppendEntries.
	HeartbeatTicks int

	// ElectionTimeoutTicks is the base follower/candidate timeout;
	// the core adds a random jitter in [0, ElectionTimeoutTicks) on
	// top of it so peers don't all time out in lockstep.
	ElectionTimeoutTicks int

	// MaxEntriesPerAppend caps how many log entries ride in a single
	// AppendEntries RPC.
	MaxEntriesPerAppend int

	// SnapshotThresholdEntries triggers a local snapshot once the
	// applied log grows past this many entries since the last one.
	SnapshotThresholdEntries uint64

	// SnapshotChunkSize bounds the payload of a single InstallSnapshot
	// RPC.
	SnapshotChunkSize int
}

// Peer identifies one member of the cluster for transport purposes.
type Peer struct {
	ID      string
	Address string
}

// DefaultConfig returns sane defaults for a cluster whose peers are
// reachable in low tens of milliseconds, scaled for production rather
// than unit tests (tests build a Config with small tick counts and
// drive Tick() directly instead of running a real Ticker).
func DefaultConfig(id string, self Peer) Config {
	return Config{
		ID:                       id,
		Self:                     self,
		TickIntervalMS:           50,
		HeartbeatTicks:           2,
		ElectionTimeoutTicks:     10,
		MaxEntriesPerAppend:      100,
		SnapshotThresholdEntries: 10000,
		SnapshotChunkSize:        64 * 1024,
	}
}

// RequestVoteMessage is the RequestVote RPC argument. PreVote marks a
// pre-vote round: a node granting a pre-vote does not update its
// persistent term or votedFor.
type RequestVoteMessage struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
	PreVote      bool
}

// RequestVoteResponse is the RequestVote RPC reply. LeaderID carries
// the responder's last-known leader, letting a stale candidate learn
// of a current leader even while its vote is denied.
type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
	LeaderID    string
}

// AppendEntriesMessage is the AppendEntries RPC argument, also used
// as the heartbeat when Entries is empty.
type AppendEntriesMessage struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []logstore.Entry
	LeaderCommit uint64
}

// AppendEntriesResponse is the AppendEntries RPC reply. On success,
// MatchIndex is the index of the last new entry the follower now
// holds, which the leader uses directly to advance that peer's
// matchIndex rather than re-deriving it from the request it sent.
// ConflictIndex and ConflictTerm let the leader skip backward a whole
// term at a time instead of one entry at a time on rejection.
type AppendEntriesResponse struct {
	Term          uint64
	Success       bool
	MatchIndex    uint64
	ConflictIndex uint64
	ConflictTerm  uint64
}

// InstallSnapshotMessage carries one chunk of a snapshot transfer.
// Offset is the byte offset of Data within the full snapshot; Done
// marks the final chunk.
type InstallSnapshotMessage struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Offset            uint64
	Data              []byte
	Done              bool
}

// InstallSnapshotResponse is the InstallSnapshot RPC reply.
// BytesStored acknowledges how many bytes of the transfer the
// follower has staged so far, letting the leader resume a dropped
// transfer instead of restarting it from zero.
type InstallSnapshotResponse struct {
	Term        uint64
	BytesStored uint64
}

// Status is a read-only snapshot of a node's state, safe to pass
// across goroutine boundaries (used by pkg/api for /status).
type Status struct {
	ID          string
	Role        Role
	Term        uint64
	LeaderID    string
	CommitIndex uint64
	LastApplied uint64
	FirstIndex  uint64
	LastIndex   uint64
}

// ApplyMsg is sent on ApplyCh for each applied entry, in log order,
// whenever the channel has room.
type ApplyMsg struct {
	Index   uint64
	Term    uint64
	Kind    logstore.EntryKind
	Payload []byte
}

// ProposeResult is returned once a proposed entry's fate (committed or
// overwritten by a newer leader) is known.
type ProposeResult struct {
	Index    uint64
	Term     uint64
	Response interface{}
	Err      error
}
