package raft

import (
	"time"
)

// Ticker drives Raft.Tick at a fixed wall-clock interval. It is the
// only piece of the core that touches time.Ticker directly; everything
// downstream of Tick counts ticks, not durations, so a test can call
// Tick() in a tight loop and exercise elections and heartbeats
// deterministically, without a Ticker at all.
type Ticker struct {
	node   *Raft
	ticker *time.Ticker
	stopCh chan struct{}
}

// NewTicker builds a Ticker for node, firing every
// node.config.TickIntervalMS milliseconds once Start is called.
func NewTicker(node *Raft) *Ticker {
	return &Ticker{node: node, stopCh: make(chan struct{})}
}

// Start runs the tick loop in its own goroutine. Calling Start more
// than once without an intervening Stop is a programmer error.
func (t *Ticker) Start() {
	interval := time.Duration(t.node.config.TickIntervalMS) * time.Millisecond
	t.ticker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-t.ticker.C:
				t.node.Tick()
			case <-t.stopCh:
				return
			}
		}
	}()
}

// Stop halts the tick loop. Safe to call once; a second call panics on
// the closed channel, matching the single-owner lifecycle the rest of
// the core assumes.
func (t *Ticker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
	close(t.stopCh)
}
