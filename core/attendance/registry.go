package attendance

import "sync"

// registry is the process-wide table of live sessions. It owns the mapping
// from session id to state machine and is the only place that knows which
// faculty member currently holds an active session. The one-active-session
// per-faculty constraint is enforced here with an atomic check-and-set: a
// plain read-then-write would let two concurrent activations race past the
// duplicate check.
type registry struct {
	mu        sync.Mutex
	byID      map[string]*session
	byFaculty map[string]string // faculty id -> active session id
}

func newRegistry() *registry {
	return &registry{
		byID:      make(map[string]*session),
		byFaculty: make(map[string]string),
	}
}

// add registers a live session, claiming its faculty's slot. Fails with
// ErrDuplicateActiveSession if the faculty already holds one.
func (r *registry) add(s *session) error {
	facultyID, sessionID := s.facultyID(), s.id()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byFaculty[facultyID]; exists {
		return ErrDuplicateActiveSession
	}
	r.byFaculty[facultyID] = sessionID
	r.byID[sessionID] = s
	return nil
}

// get routes a request to its live session.
func (r *registry) get(sessionID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	return s, ok
}

// remove evicts a session and releases its faculty's slot.
func (r *registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return
	}
	delete(r.byID, sessionID)

	// session methods never call back into the registry, so taking s.mu
	// under r.mu cannot deadlock
	facultyID := s.facultyID()
	if r.byFaculty[facultyID] == sessionID {
		delete(r.byFaculty, facultyID)
	}
}

// activeFor returns the faculty's live session, if any.
func (r *registry) activeFor(facultyID string) (*session, bool) {
	r.mu.Lock()
	sessionID, ok := r.byFaculty[facultyID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	s, ok := r.byID[sessionID]
	r.mu.Unlock()
	return s, ok
}

// list snapshots the live sessions.
func (r *registry) list() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	return sessions
}
