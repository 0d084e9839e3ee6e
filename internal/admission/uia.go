package admission

import (
	"sync"

	"github.com/google/uuid"
)

// SessionState is the per-user-session state machine of spec §4.10.
type SessionState int

const (
	Unauthenticated SessionState = iota
	LoggingIn
	Authenticated
	LoggedOut
)

// FlowStep is one stage of a User-Interactive Auth flow, e.g. "m.login.password".
type FlowStep string

// Flow is an ordered sequence of stages the client must complete, any one
// of which (as a whole sequence) is accepted, mirroring the Matrix UIA
// "flows" list.
type Flow []FlowStep

// UIASession tracks which stages of which flow have been completed for
// one server-issued session ID (spec §4.10 "stateful multi-stage
// exchange").
type UIASession struct {
	ID        string
	Flows     []Flow
	completed map[FlowStep]bool
}

// completedFlow reports whether every step of f has been completed.
func (s *UIASession) completedFlow(f Flow) bool {
	for _, step := range f {
		if !s.completed[step] {
			return false
		}
	}
	return true
}

// Satisfied reports whether any configured flow is fully completed.
func (s *UIASession) Satisfied() bool {
	for _, f := range s.Flows {
		if s.completedFlow(f) {
			return true
		}
	}
	return false
}

// CompletedStages returns the stage names completed so far, in the shape
// a UIA response's "completed" field takes.
func (s *UIASession) CompletedStages() []FlowStep {
	out := make([]FlowStep, 0, len(s.completed))
	for step, ok := range s.completed {
		if ok {
			out = append(out, step)
		}
	}
	return out
}

// UIASessionStore holds in-flight User-Interactive Auth sessions keyed by
// server-issued session ID, the multi-stage exchange named in spec §4.10.
type UIASessionStore struct {
	mu       sync.Mutex
	sessions map[string]*UIASession
}

// NewUIASessionStore constructs an empty session store.
func NewUIASessionStore() *UIASessionStore {
	return &UIASessionStore{sessions: make(map[string]*UIASession)}
}

// Begin starts a new UIA session offering the given flows, returning a
// fresh server-issued session ID.
func (st *UIASessionStore) Begin(flows []Flow) *UIASession {
	s := &UIASession{
		ID:        uuid.NewString(),
		Flows:     flows,
		completed: make(map[FlowStep]bool),
	}
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s
}

// Get looks up an in-flight session by ID.
func (st *UIASessionStore) Get(sessionID string) (*UIASession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	return s, ok
}

// CompleteStage records that stage was validated by the caller (the
// actual credential check for e.g. "m.login.password" is outside this
// package's concern; this only tracks exchange progress), and reports
// whether the session as a whole is now satisfied.
func (st *UIASessionStore) CompleteStage(sessionID string, stage FlowStep) (satisfied bool, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, exists := st.sessions[sessionID]
	if !exists {
		return false, false
	}
	s.completed[stage] = true
	return s.Satisfied(), true
}

// Finish removes a session once its final stage has issued a device +
// access token, per spec §4.10's LoggingIn -> Authenticated transition.
func (st *UIASessionStore) Finish(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, sessionID)
}
