// Package kv is the reference state machine applied on top of the
// consensus core: an in-memory key-value map with per-client request
// deduplication, wired to the raft.StateMachine interface.
package kv

import (
	"bytes"
	"encoding/gob"
	"errors"
	"sync"
)

// ErrUnknownCommand is returned when Apply decodes a Command whose
// Type does not match any case below; it should never happen for
// commands produced by EncodeCommand.
var ErrUnknownCommand = errors.New("kv: unknown command type")

// Command types for the KV store.
type CommandType int

const (
	CommandSet CommandType = iota
	CommandDelete
)

// Command represents a command to be applied to the state machine
type Command struct {
	Type      CommandType
	Key       string
	Value     []byte
	ClientID  string
	RequestID uint64
}

// ClientSession tracks the last request from each client for deduplication
type ClientSession struct {
	LastRequestID uint64
	Response      interface{}
}

// Store represents an in-memory key-value state machine
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	sessions map[string]*ClientSession
}

// New creates a new KV store
func New() *Store {
	return &Store{
		data:     make(map[string][]byte),
		sessions: make(map[string]*ClientSession),
	}
}

// Apply applies a command to the state machine
func (s *Store) Apply(command []byte) (interface{}, error) {
	var cmd Command
	dec := gob.NewDecoder(bytes.NewReader(command))
	if err := dec.Decode(&cmd); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check for duplicate request
	if session, ok := s.sessions[cmd.ClientID]; ok {
		if session.LastRequestID >= cmd.RequestID {
			return session.Response, nil
		}
	}

	var response interface{}
	switch cmd.Type {
	case CommandSet:
		s.data[cmd.Key] = cmd.Value
		response = true
	case CommandDelete:
		delete(s.data, cmd.Key)
		response = true
	default:
		return nil, ErrUnknownCommand
	}

	// Update session
	s.sessions[cmd.ClientID] = &ClientSession{
		LastRequestID: cmd.RequestID,
		Response:      response,
	}

	return response, nil
}

// Get retrieves a value by key
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, false
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, true
}

// GetAll returns all key-value pairs
func (s *Store) GetAll() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]byte)
	for k, v := range s.data {
		result[k] = v
	}
	return result
}

// snapshotState is the gob-encoded shape of a Store snapshot: the
// key space plus enough session history to keep deduplication working
// across a restore, so a retried request replayed after a snapshot
// install still hits its cached response instead of re-applying.
type snapshotState struct {
	Data     map[string][]byte
	Sessions map[string]*ClientSession
}

// Snapshot captures the key space and client session table so a
// follower installing it can keep deduplicating retried requests from
// clients it never saw directly.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshotState{Data: s.data, Sessions: s.sessions}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore replaces the key space and session table wholesale from a
// snapshot produced by Snapshot.
func (s *Store) Restore(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state snapshotState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}

	s.data = state.Data
	s.sessions = state.Sessions
	return nil
}

// EncodeCommand encodes a command for log storage
func EncodeCommand(cmdType CommandType, key string, value []byte, clientID string, requestID uint64) ([]byte, error) {
	cmd := Command{
		Type:      cmdType,
		Key:       key,
		Value:     value,
		ClientID:  clientID,
		RequestID: requestID,
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(cmd); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Size returns the number of keys in the store
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}