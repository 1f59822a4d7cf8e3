package cluster

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for membership operations. ErrConfigConflict is
// returned when a second configuration change is proposed while one is
// already in flight.
var (
	ErrMemberExists   = errors.New("cluster: member already exists")
	ErrMemberNotFound = errors.New("cluster: member not found")
	ErrConfigConflict = errors.New("cluster: configuration change already pending")
)

// Member represents a cluster member.
type Member struct {
	ID      string
	Address string
	Voting  bool
	State   MemberState
}

// MemberState represents the lifecycle state of a cluster member.
type MemberState int

const (
	MemberStateJoining MemberState = iota
	MemberStateActive
	MemberStateLeaving
	MemberStateRemoved
)

func (s MemberState) String() string {
	switch s {
	case MemberStateJoining:
		return "joining"
	case MemberStateActive:
		return "active"
	case MemberStateLeaving:
		return "leaving"
	case MemberStateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Manager manages cluster membership. Every membership mutation bumps
// version, a monotonic counter readable through Version; it is not
// carried in ConfigChange log entries, and no caller compares it.
type Manager struct {
	mu      sync.RWMutex
	members map[string]*Member
	version uint64

	pending bool // true while an added/removed member has not yet committed
}

// NewManager creates a new, empty membership manager.
func NewManager() *Manager {
	return &Manager{members: make(map[string]*Member)}
}

// Bootstrap seeds the manager with the initial voting set of a
// freshly-formed cluster, bypassing the pending-change guard since
// there is no prior committed configuration to conflict with.
func (m *Manager) Bootstrap(self Member, peers []Member) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.members = make(map[string]*Member, len(peers)+1)
	self.State = MemberStateActive
	m.members[self.ID] = &self
	for _, p := range peers {
		p.State = MemberStateActive
		cp := p
		m.members[cp.ID] = &cp
	}
	m.version++
}

// BeginChange reserves the single in-flight configuration-change slot.
// Callers must invoke it before proposing a ConfigChange entry; the
// slot is released by AddMember, RemoveMember or ActivateMember when
// the entry is applied, or by AbortChange.
func (m *Manager) BeginChange() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending {
		return ErrConfigConflict
	}
	m.pending = true
	return nil
}

// AbortChange releases the pending-change slot without applying
// anything, used when a proposed ConfigChange entry is truncated away
// before it commits.
func (m *Manager) AbortChange() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = false
}

// AddMember adds a member in the joining state. Whatever its Voting
// flag, a joining member is left out of GetVotingMembers and
// QuorumSize until ActivateMember promotes it; nothing here checks how
// far its log has caught up.
func (m *Manager) AddMember(id, address string, voting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.members[id]; exists {
		return fmt.Errorf("%w: %s", ErrMemberExists, id)
	}
	m.members[id] = &Member{ID: id, Address: address, Voting: voting, State: MemberStateJoining}
	m.version++
	m.pending = false
	return nil
}

// RemoveMember marks a member removed. It is not deleted from the map
// immediately so in-flight replication bookkeeping referencing it does
// not panic; GetActiveMembers/GetVotingMembers filter it out.
func (m *Manager) RemoveMember(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, exists := m.members[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}
	member.State = MemberStateRemoved
	m.version++
	m.pending = false
	return nil
}

// ActivateMember promotes a joining learner to an active voter and
// releases the pending-change slot. It does not check the learner's
// replication progress.
func (m *Manager) ActivateMember(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, exists := m.members[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}
	member.State = MemberStateActive
	member.Voting = true
	m.version++
	m.pending = false
	return nil
}

// GetMember returns a copy of the member with the given id.
func (m *Manager) GetMember(id string) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return Member{}, false
	}
	return *member, true
}

// GetMembers returns a copy of every known member, including removed
// and still-joining ones.
func (m *Manager) GetMembers() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		result = append(result, *member)
	}
	return result
}

// GetActiveMembers returns members not in the removed state.
func (m *Manager) GetActiveMembers() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		if member.State != MemberStateRemoved {
			result = append(result, *member)
		}
	}
	return result
}

// GetVotingMembers returns active members eligible to cast votes and
// count toward quorum.
func (m *Manager) GetVotingMembers() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		if member.Voting && member.State == MemberStateActive {
			result = append(result, *member)
		}
	}
	return result
}

// Count returns the total number of tracked members.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// QuorumSize returns floor(votingCount/2)+1, the majority needed to
// win an election or commit an entry.
func (m *Manager) QuorumSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	votingCount := 0
	for _, member := range m.members {
		if member.Voting && member.State == MemberStateActive {
			votingCount++
		}
	}
	return votingCount/2 + 1
}

// Version returns the configuration's monotonic version counter.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// PendingChange reports whether a configuration change is currently
// awaiting commit.
func (m *Manager) PendingChange() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending
}

// Snapshot returns a deep copy of the membership table, suitable for
// embedding in a state machine snapshot.
func (m *Manager) Snapshot() map[string]Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]Member, len(m.members))
	for id, member := range m.members {
		result[id] = *member
	}
	return result
}

// Restore replaces the membership table wholesale, used when a
// follower installs a snapshot or a node replays log entries from
// scratch on restart.
func (m *Manager) Restore(snapshot map[string]Member) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.members = make(map[string]*Member, len(snapshot))
	for id, member := range snapshot {
		cp := member
		m.members[id] = &cp
	}
	m.version++
	m.pending = false
}
