// Package sessionstore tracks every known Session/TrackedSession (spec §3,
// §4.8) in memory and fans out discovered/updated/removed events to
// subscribers — most notably the Commander manager, which watches for
// status updates keyed by its own PTY session id.
//
// Grounded on the teacher daemon's internal/store/tasks.go CRUD shape
// (adapted here to an in-memory registry, since tracked sessions are
// transient process/file observations rather than durable rows) plus
// internal/relay/workers.go's WingRegistry: a mutex-guarded map of live
// entries with a side list of subscriber callbacks, each called
// synchronously on every event.
package sessionstore

import (
	"sync"
	"time"
)

// Status is the closed set of UI statuses for a tracked session (spec §3).
type Status string

const (
	StatusWorking           Status = "working"
	StatusWaitingForInput   Status = "waiting_for_input"
	StatusWaitingForApprove Status = "waiting_for_approval"
	StatusIdle              Status = "idle"
	StatusCompleted         Status = "completed"
	StatusError             Status = "error"
)

// StatusBlock is the optional file-derived detail an external status file
// may attach to a tracked session.
type StatusBlock struct {
	Task      string   `json:"task,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Blockers  []string `json:"blockers,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`
}

// TrackedSession is the union type from spec §3: either PTY-owned (PID != 0)
// or watcher-discovered (PID == 0, identified by a transcript file).
type TrackedSession struct {
	SessionID    string
	ProjectID    string
	CWD          string
	PID          int
	Status       Status
	LastActivity time.Time
	Block        *StatusBlock
}

// EventType is the kind of change a subscriber is notified of.
type EventType string

const (
	EventDiscovered EventType = "discovered"
	EventUpdated    EventType = "updated"
	EventRemoved    EventType = "removed"
)

// Event is delivered to subscribers on every discovered/updated/removed
// transition. Session is a full snapshot of the tracked session after the
// change, not only the fields that changed.
type Event struct {
	Type    EventType
	Session TrackedSession
}

// Listener receives session lifecycle events. Implementations must not
// block — the store delivers synchronously under its own lock-free
// broadcast path.
type Listener func(Event)

type subscription struct {
	id  int
	fn  Listener
}

// Store is the in-memory registry of tracked sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*TrackedSession

	subMu   sync.Mutex
	subs    []subscription
	nextSub int
}

func New() *Store {
	return &Store{sessions: make(map[string]*TrackedSession)}
}

// Subscribe registers a listener and returns an unsubscribe func.
func (s *Store) Subscribe(fn Listener) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(ev Event) {
	s.subMu.Lock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.fn(ev)
	}
}

// AddFromPty registers a new PTY-owned session (spec §4.8 ingress path 1),
// called right after PtyBridge spawns the subprocess.
func (s *Store) AddFromPty(sessionID, projectID, cwd string, pid int) TrackedSession {
	ts := TrackedSession{SessionID: sessionID, ProjectID: projectID, CWD: cwd, PID: pid, Status: StatusWorking, LastActivity: time.Now()}
	s.mu.Lock()
	s.sessions[sessionID] = &ts
	s.mu.Unlock()
	s.notify(Event{Type: EventDiscovered, Session: ts})
	return ts
}

// AddFromWatcher registers a watcher-discovered session with no local
// process (spec §4.8 ingress path 2) — a transcript file was found for a
// conversation the Gateway didn't itself spawn.
func (s *Store) AddFromWatcher(sessionID, projectID, cwd string) TrackedSession {
	ts := TrackedSession{SessionID: sessionID, ProjectID: projectID, CWD: cwd, Status: StatusIdle, LastActivity: time.Now()}
	s.mu.Lock()
	s.sessions[sessionID] = &ts
	s.mu.Unlock()
	s.notify(Event{Type: EventDiscovered, Session: ts})
	return ts
}

// UpdateStatus changes a tracked session's status and last-activity
// timestamp, emitting an updated event. No-op if the session is unknown.
func (s *Store) UpdateStatus(sessionID string, status Status) {
	s.mu.Lock()
	ts, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	ts.Status = status
	ts.LastActivity = time.Now()
	snapshot := *ts
	s.mu.Unlock()

	s.notify(Event{Type: EventUpdated, Session: snapshot})
}

// UpdateBlock attaches or replaces a session's file-derived status block.
func (s *Store) UpdateBlock(sessionID string, block StatusBlock) {
	s.mu.Lock()
	ts, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	ts.Block = &block
	ts.LastActivity = time.Now()
	snapshot := *ts
	s.mu.Unlock()

	s.notify(Event{Type: EventUpdated, Session: snapshot})
}

// Remove drops a session from the registry and emits a removed event.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	ts, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sessionID)
	snapshot := *ts
	s.mu.Unlock()

	s.notify(Event{Type: EventRemoved, Session: snapshot})
}

// Get returns a copy of the tracked session, or false if unknown.
func (s *Store) Get(sessionID string) (TrackedSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.sessions[sessionID]
	if !ok {
		return TrackedSession{}, false
	}
	return *ts, true
}

// List returns a snapshot of every tracked session.
func (s *Store) List() []TrackedSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrackedSession, 0, len(s.sessions))
	for _, ts := range s.sessions {
		out = append(out, *ts)
	}
	return out
}
