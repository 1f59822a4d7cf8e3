package simulation

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vzdtic/raftkv-core/pkg/cluster"
	"github.com/vzdtic/raftkv-core/pkg/kv"
	"github.com/vzdtic/raftkv-core/pkg/logstore"
	"github.com/vzdtic/raftkv-core/pkg/metastore"
	"github.com/vzdtic/raftkv-core/pkg/raft"
	"github.com/vzdtic/raftkv-core/pkg/transport"
)

// Node bundles one simulated cluster member's core and its
// collaborators, for tests that need to reach past the raft.Raft
// handle (e.g. to read the state machine directly).
type Node struct {
	ID    string
	Raft  *raft.Raft
	Store *kv.Store
}

// Cluster wires N in-memory Raft nodes onto a shared LocalTransport
// and exposes a manual Tick-driven clock, so a test can advance time
// deterministically one logical tick at a time instead of sleeping.
type Cluster struct {
	Transport *transport.LocalTransport
	Nodes     map[string]*Node

	order []string
}

// NewCluster builds a Cluster of len(ids) voting members, each backed
// by an on-disk log/meta store rooted under dataDir/<id>.
func NewCluster(dataDir string, ids []string, config raft.Config) (*Cluster, error) {
	c := &Cluster{
		Transport: transport.NewLocalTransport(),
		Nodes:     make(map[string]*Node, len(ids)),
		order:     ids,
	}

	for _, id := range ids {
		dir := fmt.Sprintf("%s/%s", dataDir, id)
		logs, err := logstore.Open(dir)
		if err != nil {
			return nil, fmt.Errorf("simulation: open logstore for %s: %w", id, err)
		}
		meta, err := metastore.Open(dir)
		if err != nil {
			return nil, fmt.Errorf("simulation: open metastore for %s: %w", id, err)
		}

		members := cluster.NewManager()
		self := cluster.Member{ID: id, Voting: true}
		var peers []cluster.Member
		for _, other := range ids {
			if other != id {
				peers = append(peers, cluster.Member{ID: other, Voting: true})
			}
		}
		members.Bootstrap(self, peers)

		store := kv.New()
		nodeConfig := config
		nodeConfig.ID = id

		node, err := raft.New(nodeConfig, logs, meta, members, c.Transport, store, zap.NewNop().Sugar())
		if err != nil {
			return nil, fmt.Errorf("simulation: new node %s: %w", id, err)
		}

		c.Transport.Register(id, node)
		c.Nodes[id] = &Node{ID: id, Raft: node, Store: store}
	}

	return c, nil
}

// Tick advances every node's logical clock by one tick, in a fixed
// order so test output is reproducible.
func (c *Cluster) Tick() {
	for _, id := range c.order {
		c.Nodes[id].Raft.Tick()
	}
}

// TickN advances every node n times.
func (c *Cluster) TickN(n int) {
	for i := 0; i < n; i++ {
		c.Tick()
	}
}

// Leader returns the ID of the node that currently believes itself
// leader, or "" if no node does (which can itself be valid mid
// election).
func (c *Cluster) Leader() string {
	for _, id := range c.order {
		if c.Nodes[id].Raft.Status().Role == raft.Leader {
			return id
		}
	}
	return ""
}

// Stop releases every node's pending proposals.
func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		n.Raft.Stop()
	}
}
