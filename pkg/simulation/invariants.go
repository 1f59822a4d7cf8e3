package simulation

import (
	"fmt"
	"sync"
)

// CommittedEntry is one (index, term, node) triple a test observed
// committed, fed to InvariantChecker via RecordCommit.
type CommittedEntry struct {
	Index  uint64
	Term   uint64
	NodeID string
	Digest string // caller-supplied stand-in for the entry's payload, compared for equality across nodes
}

// Violation describes one broken safety invariant.
type Violation struct {
	Kind    string
	Message string
}

// InvariantChecker accumulates committed entries observed across a
// simulated cluster's nodes and checks the core safety properties: the
// log-matching property (no two nodes ever commit a different value
// at the same index) and monotonic commit (a node's committed prefix
// never shrinks or gets overwritten).
type InvariantChecker struct {
	mu        sync.Mutex
	committed map[string][]CommittedEntry // nodeID -> entries in commit order
}

// NewInvariantChecker returns an empty checker.
func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{committed: make(map[string][]CommittedEntry)}
}

// RecordCommit appends one observed commit for nodeID. Callers should
// invoke this once per (node, index) as entries are applied.
func (c *InvariantChecker) RecordCommit(nodeID string, index, term uint64, digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed[nodeID] = append(c.committed[nodeID], CommittedEntry{Index: index, Term: term, NodeID: nodeID, Digest: digest})
}

// Check runs every invariant against everything recorded so far.
func (c *InvariantChecker) Check() []Violation {
	c.mu.Lock()
	defer c.mu.Unlock()

	var violations []Violation
	violations = append(violations, c.checkLogMatching()...)
	violations = append(violations, c.checkMonotonicCommit()...)
	return violations
}

func (c *InvariantChecker) checkLogMatching() []Violation {
	byIndex := make(map[uint64]CommittedEntry)
	var violations []Violation

	for _, entries := range c.committed {
		for _, e := range entries {
			ref, ok := byIndex[e.Index]
			if !ok {
				byIndex[e.Index] = e
				continue
			}
			if ref.Term != e.Term || ref.Digest != e.Digest {
				violations = append(violations, Violation{
					Kind: "log-matching",
					Message: fmt.Sprintf("index %d: node %s committed (term=%d digest=%s), node %s committed (term=%d digest=%s)",
						e.Index, ref.NodeID, ref.Term, ref.Digest, e.NodeID, e.Term, e.Digest),
				})
			}
		}
	}
	return violations
}

func (c *InvariantChecker) checkMonotonicCommit() []Violation {
	var violations []Violation
	for nodeID, entries := range c.committed {
		for i := 1; i < len(entries); i++ {
			if entries[i].Index <= entries[i-1].Index {
				violations = append(violations, Violation{
					Kind:    "monotonic-commit",
					Message: fmt.Sprintf("node %s committed index %d after index %d", nodeID, entries[i].Index, entries[i-1].Index),
				})
			}
		}
	}
	return violations
}
