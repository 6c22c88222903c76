// Package session keeps track of the clients connected to the server and
// dispatches their invocations to the tool registry.
package session

import (
	"sync"
	"sync/atomic"
	"time"
)

type State int32

const (
	Open State = iota
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Session is one client's logical connection to the server.
type Session struct {
	id        string
	transport string
	openedAt  time.Time

	state    atomic.Int32
	inFlight atomic.Int64
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Transport() string   { return s.transport }
func (s *Session) OpenedAt() time.Time { return s.openedAt }
func (s *Session) State() State        { return State(s.state.Load()) }
func (s *Session) InFlight() int64     { return s.inFlight.Load() }

// beginClose moves an open session to Closing. It reports false when the
// session was already closing.
func (s *Session) beginClose() bool {
	return s.state.CompareAndSwap(int32(Open), int32(Closing))
}

func (s *Session) finishClose() {
	s.state.Store(int32(Closed))
}

type Snapshot struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	State     string    `json:"state"`
	OpenedAt  time.Time `json:"opened_at"`
	InFlight  int64     `json:"in_flight"`
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:        s.id,
		Transport: s.transport,
		State:     s.State().String(),
		OpenedAt:  s.openedAt,
		InFlight:  s.InFlight(),
	}
}

// set is the live session collection.
type set struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSet() *set {
	return &set{sessions: make(map[string]*Session)}
}

// add stores s unless a session with the same id exists, in which case the
// existing session is returned.
func (st *set) add(s *Session) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.sessions[s.id]; ok {
		return existing, false
	}
	st.sessions[s.id] = s
	return s, true
}

func (st *set) get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

func (st *set) remove(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	return s, ok
}

func (st *set) list() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	list := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		list = append(list, s)
	}
	return list
}

func (st *set) len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
