// Package orchestrator is the public API gluing the Store, EventBus,
// Registry, and Scheduler into a single surface: CreateProject,
// Initialize, CancelInitialize, StartCoding, StopCoding, CancelSession,
// DeleteProject, Status, Subscribe. It is wired once at startup and
// handed to whatever transport (cmd/sessionctl's CLI, a future HTTP
// layer) drives it.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/waypoint-labs/sessionctl/internal/eventbus"
	"github.com/waypoint-labs/sessionctl/internal/model"
	"github.com/waypoint-labs/sessionctl/internal/registry"
	"github.com/waypoint-labs/sessionctl/internal/scheduler"
	"github.com/waypoint-labs/sessionctl/internal/store"
)

// Orchestrator is the public API surface: one instance per process, shared
// by every project it manages.
type Orchestrator struct {
	Store     store.Store
	Registry  *registry.Registry
	Bus       *eventbus.EventBus
	Scheduler *scheduler.Scheduler
}

// New builds an Orchestrator from its already-constructed collaborators.
// Callers assemble Store/Registry/Bus/Scheduler once at startup and pass
// them in here; nothing in this package is a process-wide singleton.
func New(st store.Store, reg *registry.Registry, bus *eventbus.EventBus, sched *scheduler.Scheduler) *Orchestrator {
	return &Orchestrator{Store: st, Registry: reg, Bus: bus, Scheduler: sched}
}

// CreateProjectOptions carries CreateProject's optional fields.
type CreateProjectOptions struct {
	EpicTestingMode  model.EpicTestingMode
	SandboxType      string
	InitializerModel string
	CodingModel      string
}

// CreateProject creates a new project. Returns store.ErrAlreadyExists if
// name is taken, store.ErrInvalidProjectName / store.ErrSpecMissing on
// validation failure.
func (o *Orchestrator) CreateProject(name, spec string, opts CreateProjectOptions) (*model.Project, error) {
	return o.Store.CreateProject(name, spec, opts.EpicTestingMode, opts.SandboxType)
}

// InitializeOptions carries Initialize's optional fields.
type InitializeOptions struct {
	InitializerModel string
}

// Initialize starts the single-iteration initialization session for a
// project and returns as soon as it is recorded and running — it does
// not wait for the runner to finish. Errors: store.ErrNotFound,
// store.ErrAlreadyInitialized, registry.ErrBusy.
func (o *Orchestrator) Initialize(projectID string, opts InitializeOptions) (*model.Session, error) {
	project, err := o.Store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Initialized {
		return nil, store.ErrAlreadyInitialized
	}
	if _, busy := o.Registry.Active(projectID); busy {
		return nil, registry.ErrBusy
	}
	return o.Scheduler.RunInitAsync(project)
}

// CancelInitializeResult reports the counts purged.
type CancelInitializeResult struct {
	EpicsDeleted int
	TasksDeleted int
	TestsDeleted int
}

// CancelInitialize cancels the running init session for a project, then
// purges its partial roadmap atomically and clears initialized. Returns
// store.ErrNotFound if no such session is active.
func (o *Orchestrator) CancelInitialize(projectID string) (CancelInitializeResult, error) {
	entry, live := o.Registry.Active(projectID)
	if !live || entry.Kind != registry.KindInitializer {
		return CancelInitializeResult{}, store.ErrNotFound
	}
	o.Registry.Cancel(projectID)

	// Make the cancellation durable immediately rather than waiting for
	// the scheduler's drain to observe it; the drain's own finalize and
	// Release are idempotent against both writes.
	cancelled := model.SessionCancelled
	now := time.Now().UTC()
	_ = o.Store.UpdateSession(entry.SessionID, store.SessionPatch{Status: &cancelled, EndedAt: &now})
	o.Registry.Release(projectID, entry.SessionID)

	counts, err := o.Store.PurgeRoadmap(projectID)
	if err != nil {
		return CancelInitializeResult{}, err
	}
	return CancelInitializeResult{
		EpicsDeleted: counts.EpicsDeleted,
		TasksDeleted: counts.TasksDeleted,
		TestsDeleted: counts.TestsDeleted,
	}, nil
}

// StartCodingOptions carries StartCoding's optional fields.
type StartCodingOptions struct {
	MaxIterations int
	CodingModel   string
}

// StartCoding launches the auto-continue coding loop for a project in the
// background and returns immediately. Errors: store.ErrNotFound,
// store.ErrNotInitialized, registry.ErrBusy.
func (o *Orchestrator) StartCoding(projectID string, opts StartCodingOptions) error {
	project, err := o.Store.GetProject(projectID)
	if err != nil {
		return err
	}
	if !project.Initialized {
		return store.ErrNotInitialized
	}
	if _, busy := o.Registry.Active(projectID); busy {
		return registry.ErrBusy
	}
	o.Scheduler.RunCodingAsync(project, scheduler.CodingOptions{
		MaxIterations: opts.MaxIterations,
		Model:         opts.CodingModel,
	})
	return nil
}

// StopCoding sets the stop flag for a project's active session, letting
// it finish its current iteration naturally without starting another.
// Idempotent: a no-op if no session is active.
func (o *Orchestrator) StopCoding(projectID string) {
	o.Registry.RequestStop(projectID)
}

// CancelSession hard-stops a project's active session. Idempotent: a
// no-op if no session is active.
func (o *Orchestrator) CancelSession(projectID string) {
	o.Registry.Cancel(projectID)
}

// DeleteProject deletes a project and everything under it. Requires no
// active session (registry must be free); returns registry.ErrBusy
// otherwise, store.ErrNotFound if the project doesn't exist.
func (o *Orchestrator) DeleteProject(projectID string) (store.DeleteCounts, error) {
	if _, busy := o.Registry.Active(projectID); busy {
		return store.DeleteCounts{}, registry.ErrBusy
	}
	return o.Store.DeleteProject(projectID)
}

// ActiveSessionSnapshot is the subset of registry state Status exposes.
type ActiveSessionSnapshot struct {
	SessionID string
	Kind      registry.SessionKind
}

// ProgressSnapshot summarizes a project's roadmap completion.
type ProgressSnapshot struct {
	EpicsTotal     int
	EpicsCompleted int
	EpicsBlocked   int
	TasksTotal     int
	TasksDone      int
}

// StatusResult is the tagged response to Status.
type StatusResult struct {
	Project       *model.Project
	Progress      ProgressSnapshot
	NextTask      *store.NextUnit
	ActiveSession *ActiveSessionSnapshot
}

// Status reports a project's current progress, its next unit of work (if
// any), and its active session handle (if any).
func (o *Orchestrator) Status(projectID string) (*StatusResult, error) {
	project, err := o.Store.GetProject(projectID)
	if err != nil {
		return nil, err
	}

	epics, err := o.Store.ListEpics(projectID)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}

	var progress ProgressSnapshot
	progress.EpicsTotal = len(epics)
	for _, e := range epics {
		switch e.Status {
		case model.EpicCompleted:
			progress.EpicsCompleted++
		case model.EpicBlocked:
			progress.EpicsBlocked++
		}
		tasks, err := o.Store.ListTasks(e.ID)
		if err != nil {
			return nil, fmt.Errorf("list tasks for epic %s: %w", e.ID, err)
		}
		progress.TasksTotal += len(tasks)
		for _, t := range tasks {
			if t.Done {
				progress.TasksDone++
			}
		}
	}

	unit, err := o.Store.NextTask(projectID)
	if err != nil {
		return nil, fmt.Errorf("next task: %w", err)
	}
	var nextTask *store.NextUnit
	if unit.Kind != store.NextUnitNone {
		nextTask = unit
	}

	var active *ActiveSessionSnapshot
	if entry, ok := o.Registry.Active(projectID); ok {
		active = &ActiveSessionSnapshot{SessionID: entry.SessionID, Kind: entry.Kind}
	}

	return &StatusResult{Project: project, Progress: progress, NextTask: nextTask, ActiveSession: active}, nil
}

// ListSessions reads through to the store: all of a project's sessions,
// most recent first.
func (o *Orchestrator) ListSessions(projectID string) ([]*model.Session, error) {
	if _, err := o.Store.GetProject(projectID); err != nil {
		return nil, err
	}
	return o.Store.ListSessions(projectID)
}

// GetSession reads through to the store.
func (o *Orchestrator) GetSession(sessionID string) (*model.Session, error) {
	return o.Store.GetSession(sessionID)
}

// Subscribe attaches a new listener to a project's event stream. The
// returned unsubscribe function is idempotent.
func (o *Orchestrator) Subscribe(projectID string) (<-chan eventbus.Event, func()) {
	return o.Bus.Subscribe(projectID)
}
