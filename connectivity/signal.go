// Package connectivity reports whether the remote backend is reachable.
package connectivity

import (
	"sync"
)

// State is the tri-state connectivity signal.
type State int

const (
	// Unknown is the state before the first observation.
	Unknown State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Online reports whether s allows live mode. Unknown counts as offline.
func (s State) Online() bool {
	return s == Connected
}

const signalBuffer = 8

// Signal is a manually driven connectivity source. Consecutive duplicate
// states are dropped; a slow reader loses intermediate states but always
// sees the latest one.
type Signal struct {
	mu     sync.Mutex
	cur    State
	c      chan State
	closed bool
}

func NewSignal() *Signal {
	return &Signal{c: make(chan State, signalBuffer)}
}

// C returns the channel of state transitions. It is closed by Close.
func (s *Signal) C() <-chan State {
	return s.c
}

// Current returns the last state set, Unknown initially.
func (s *Signal) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Set publishes st, returns false if st equals the current state or the
// signal is closed.
func (s *Signal) Set(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || st == s.cur {
		return false
	}
	s.cur = st

	for {
		select {
		case s.c <- st:
			return true
		default:
			// full, drop the oldest.
			select {
			case <-s.c:
			default:
			}
		}
	}
}

func (s *Signal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.c)
	}
}
