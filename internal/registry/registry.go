// Package registry is the process-wide, in-memory index of active
// sessions, keyed by project. It is the authority on "is a session
// active now"; the store is the authority on "what has happened". One
// claim per project is the rule every scheduler loop goes through.
package registry

import (
	"context"
	"sync"

	"github.com/waypoint-labs/sessionctl/internal/metrics"
)

// SessionKind distinguishes an initializer session from a coding session,
// mirroring model.SessionType without importing the store/model packages
// (the registry is intentionally storage-agnostic).
type SessionKind string

const (
	KindInitializer SessionKind = "initializer"
	KindCoding      SessionKind = "coding"
)

// ActiveSession is the in-memory handle for a project's currently running
// session.
type ActiveSession struct {
	SessionID string
	Kind      SessionKind
	StartedAt int64 // unix nanos, supplied by the caller (registry does no time math)

	cancel   context.CancelFunc
	stopFlag *stopFlag
}

// StopRequested reports whether RequestStop has been called for this
// handle. The scheduler polls this between coding-loop iterations.
func (a *ActiveSession) StopRequested() bool {
	return a.stopFlag.isSet()
}

type stopFlag struct {
	mu  sync.Mutex
	set bool
}

func (f *stopFlag) set_() {
	f.mu.Lock()
	f.set = true
	f.mu.Unlock()
}

func (f *stopFlag) isSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Registry is the process-wide map of project_id -> ActiveSession.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*ActiveSession
	metrics *metrics.Metrics
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*ActiveSession)}
}

// SetMetrics attaches the process-wide collectors; nil disables
// instrumentation.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// ErrBusy is returned by TryClaim when a session is already active for
// the project.
var ErrBusy = busyError{}

type busyError struct{}

func (busyError) Error() string { return "registry: project busy" }

// TryClaim registers sessionID as the active session for projectID,
// returning ErrBusy if an entry already exists for that project. On
// success it returns an ActiveSession, a context the caller must run the
// session under, and that context's CancelFunc (also wired to the
// entry's Cancel method, so registry.Cancel(projectID) and calling the
// returned CancelFunc directly are equivalent).
func (r *Registry) TryClaim(projectID, sessionID string, kind SessionKind, startedAtUnixNano int64) (*ActiveSession, context.Context, context.CancelFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[projectID]; exists {
		return nil, nil, nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &ActiveSession{
		SessionID: sessionID,
		Kind:      kind,
		StartedAt: startedAtUnixNano,
		cancel:    cancel,
		stopFlag:  &stopFlag{},
	}
	r.entries[projectID] = entry
	if r.metrics != nil {
		r.metrics.SessionsActive.WithLabelValues(projectID).Inc()
	}
	return entry, ctx, cancel, nil
}

// Release removes the registry entry for projectID, but only if the held
// entry matches sessionID. It is idempotent: releasing an absent or
// mismatched entry is a no-op.
func (r *Registry) Release(projectID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[projectID]
	if !ok || entry.SessionID != sessionID {
		return
	}
	delete(r.entries, projectID)
	if r.metrics != nil {
		r.metrics.SessionsActive.WithLabelValues(projectID).Dec()
	}
}

// Cancel signals cancellation to the held session for projectID, if any.
func (r *Registry) Cancel(projectID string) {
	r.mu.Lock()
	entry, ok := r.entries[projectID]
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
}

// RequestStop sets the stop flag observed by the scheduler between
// iterations. No-op if no session is active for the project.
func (r *Registry) RequestStop(projectID string) {
	r.mu.Lock()
	entry, ok := r.entries[projectID]
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.stopFlag.set_()
}

// Active returns the active session handle for a project, if any.
func (r *Registry) Active(projectID string) (*ActiveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[projectID]
	return entry, ok
}

// Count returns the number of projects currently holding a claim.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ReleaseStaleByID removes the entry for projectID unconditionally if its
// SessionID matches sessionID, used by the reaper when it has already
// decided a session is stale and the registry has no live handle for it
// (the entry existing at all would mean the registry thinks the session
// is still live; the common reaper path is "no registry entry exists",
// this just covers the defensive case of reconciling a mismatch).
func (r *Registry) ReleaseStaleByID(projectID, sessionID string) {
	r.Release(projectID, sessionID)
}
