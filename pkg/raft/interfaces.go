package raft

import "context"

// Transport sends the three consensus RPCs to a named peer and returns
// its reply. Implementations (pkg/transport) own dialing and wire
// encoding; the core only ever sees these three synchronous
// calls, matching the request/response shape the rest of the corpus
// uses for its RPC layer.
type Transport interface {
	SendRequestVote(ctx context.Context, target string, req *RequestVoteMessage) (*RequestVoteResponse, error)
	SendAppendEntries(ctx context.Context, target string, req *AppendEntriesMessage) (*AppendEntriesResponse, error)
	SendInstallSnapshot(ctx context.Context, target string, req *InstallSnapshotMessage) (*InstallSnapshotResponse, error)
}

// StateMachine is the external collaborator committed log entries are
// applied to (pkg/kv implements this for the reference key-value
// store). Apply, Snapshot, and Restore are only ever called with the
// core's mutex held, so calls from the core never overlap and
// implementations need no internal locking against concurrent Raft
// calls, only against their own direct readers.
type StateMachine interface {
	Apply(payload []byte) (interface{}, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}
