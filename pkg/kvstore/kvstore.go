// Package kvstore is the demo replicated state machine: a string key-value
// store driven by a small text command language. Apply is deterministic, so
// every replica executing the same ordered log reaches the same state.
package kvstore

import (
	"bytes"
	"sync"
)

// Command results. Every byte of a result must be a pure function of the
// ordered operations, never of local state like clocks or map iteration.
var (
	resultOK      = []byte("OK")
	resultNil     = []byte("(nil)")
	resultErr     = []byte("ERR unknown command")
	resultArgsErr = []byte("ERR wrong number of arguments")
)

// Store is an in-memory key-value state machine.
type Store struct {
	mu      sync.RWMutex
	data    map[string][]byte
	applied uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Apply executes one committed operation. Commands:
//
//	SET <key> <value>   store value, returns OK
//	GET <key>           returns the value or (nil)
//	DEL <key>           returns OK if present, (nil) otherwise
//
// The value in SET is everything after the second space, so values may
// contain spaces.
func (s *Store) Apply(sequence uint64, operation []byte) []byte {
	verb, rest := splitWord(operation)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = sequence

	switch string(verb) {
	case "SET", "set":
		key, value := splitWord(rest)
		if len(key) == 0 || value == nil {
			return resultArgsErr
		}
		s.data[string(key)] = append([]byte(nil), value...)
		return resultOK

	case "GET", "get":
		key, extra := splitWord(rest)
		if len(key) == 0 || extra != nil {
			return resultArgsErr
		}
		if v, ok := s.data[string(key)]; ok {
			return append([]byte(nil), v...)
		}
		return resultNil

	case "DEL", "del":
		key, extra := splitWord(rest)
		if len(key) == 0 || extra != nil {
			return resultArgsErr
		}
		if _, ok := s.data[string(key)]; ok {
			delete(s.data, string(key))
			return resultOK
		}
		return resultNil

	default:
		return resultErr
	}
}

// Get reads a key outside the ordered path. Local reads can lag the cluster
// by in-flight commits.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Applied returns the sequence number of the last applied operation.
func (s *Store) Applied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// splitWord cuts off the first space-delimited word. The second return is
// nil when there was no separator, distinguishing "SET k " from "SET k".
func splitWord(b []byte) ([]byte, []byte) {
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		return b[:i], b[i+1:]
	}
	return b, nil
}
