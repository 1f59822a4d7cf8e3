package raft

import "errors"

// Sentinel errors returned across the consensus core's public surface.
// Only ErrNotLeader and ErrConfigConflict are meant to reach a client;
// everything else is handled internally.
var (
	// ErrNotLeader is returned by Propose/ReadIndex when this node does
	// not believe itself to be the leader of the current term.
	ErrNotLeader = errors.New("raft: not leader")

	// ErrStale is what LocalTransport returns for an RPC whose target
	// is not registered or whose link is cut. The core itself answers
	// a stale message with its current term rather than an error.
	ErrStale = errors.New("raft: stale message")

	// ErrConfigConflict is returned when a second membership change is
	// proposed while one is still uncommitted.
	ErrConfigConflict = errors.New("raft: configuration change already pending")

	// ErrShuttingDown is returned by calls made after Stop.
	ErrShuttingDown = errors.New("raft: shutting down")

	// ErrTimeout is what FaultyNetwork returns for an RPC it drops.
	// Propose and ReadIndex report an expired deadline as the
	// context's own error.
	ErrTimeout = errors.New("raft: timed out")
)
