// Package registry implements the worker registry (component C3): the
// in-memory map from worker ID to its live session record. The shape - a
// map guarded by a single lock, with one long-running goroutine per entry
// registered against the owner's lifecycle - is lifted directly from the
// teacher's modules/renter/workerpool.go workerPool type. Unlike the
// teacher's sync.RWMutex, this registry uses gitlab.com/NebulousLabs/demotemutex,
// since select-eligible (the hot path, called on every dispatch edge) only
// ever reads.
package registry

import (
	"time"

	demotemutex "gitlab.com/NebulousLabs/demotemutex"

	"gitlab.com/gridlabs/coordinator/modules"
)

// Sink is the send side of a worker's session: the dispatcher and the
// admin-broadcast handler write frames through it without knowing anything
// about the underlying transport.
type Sink interface {
	Send(modules.Envelope) error
	Close(code int, reason string) error
}

// Session is the live, in-memory record for one connected worker. Never
// shared across coordinator processes (single-writer assumption, spec.md
// section 3).
type Session struct {
	WorkerID     string
	OwnerID      string
	Capabilities modules.Capabilities
	Status       modules.WorkerStatus
	Restriction  modules.Restriction
	LastSeen     time.Time
	Sink         Sink
}

// Registry is the worker registry.
type Registry struct {
	mu       demotemutex.DemoteMutex
	sessions map[string]*Session
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds or replaces the live session for workerID. Per spec.md
// section 8 invariant 5, a second successful hello for the same ID evicts
// the first: callers must close the evicted session's sink themselves using
// the returned previous session, since closing it requires the caller's I/O
// context, not the registry's lock.
func (r *Registry) Register(s *Session) (previous *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.sessions[s.WorkerID]
	r.sessions[s.WorkerID] = s
	return previous
}

// Unregister removes workerID's live session if sink still matches the one
// currently registered (a stale disconnect of an already-evicted session is
// a no-op).
func (r *Registry) Unregister(workerID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[workerID]; ok && s.Sink == sink {
		delete(r.sessions, workerID)
	}
}

// Evict unconditionally removes workerID's live session, regardless of
// which sink is currently registered. Used by the watchdog when a worker is
// declared offline due to heartbeat staleness: the session, if any remnant
// of it still lingers, must stop being dispatch-eligible immediately.
func (r *Registry) Evict(workerID string) (evicted *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted = r.sessions[workerID]
	delete(r.sessions, workerID)
	return evicted
}

// Get returns the live session for workerID, if any.
func (r *Registry) Get(workerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[workerID]
	return s, ok
}

// MarkBusy sets workerID's in-memory status to busy.
func (r *Registry) MarkBusy(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[workerID]; ok {
		s.Status = modules.WorkerBusy
	}
}

// MarkIdle sets workerID's in-memory status to idle.
func (r *Registry) MarkIdle(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[workerID]; ok {
		s.Status = modules.WorkerIdle
	}
}

// Touch refreshes workerID's last-seen timestamp. Spec.md section 3
// invariant 5: every message received on a session updates last-seen, not
// only heartbeats.
func (r *Registry) Touch(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[workerID]; ok {
		s.LastSeen = time.Now()
	}
}

// SetRestriction updates the in-memory restriction flag for a live session,
// used when an admin ban/suspend/unsuspend call targets a connected worker.
func (r *Registry) SetRestriction(workerID string, restriction modules.Restriction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[workerID]; ok {
		s.Restriction = restriction
	}
}

// SetCapabilities updates a live session's advertised capabilities, used by
// the additive capabilities_update frame (SPEC_FULL.md section D.4).
func (r *Registry) SetCapabilities(workerID string, caps modules.Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[workerID]; ok {
		s.Capabilities = caps
	}
}

// Snapshot returns a copy of every live session, safe to range over without
// holding the registry's lock.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// SelectEligible implements the select-eligible policy from spec.md section
// 4.3: partition idle, can_execute, unrestricted workers into three owner
// buckets and return the first worker from the first non-empty bucket, in
// order (a) other, (b) coordinator-owned, (c) self.
func (r *Registry) SelectEligible(submitterID, coordinatorOwner string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var other, coordinatorOwned, self *Session
	for _, s := range r.sessions {
		if s.Status != modules.WorkerIdle || !s.Capabilities.CanExecute || s.Restriction != modules.RestrictionNone {
			continue
		}
		switch {
		case s.OwnerID == submitterID:
			if self == nil {
				cp := *s
				self = &cp
			}
		case s.OwnerID == coordinatorOwner:
			if coordinatorOwned == nil {
				cp := *s
				coordinatorOwned = &cp
			}
		default:
			if other == nil {
				cp := *s
				other = &cp
			}
		}
	}
	if other != nil {
		return other, true
	}
	if coordinatorOwned != nil {
		return coordinatorOwned, true
	}
	if self != nil {
		return self, true
	}
	return nil, false
}
