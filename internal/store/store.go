package store

import (
	"io"
	"time"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

// Migrator applies schema migrations.
type Migrator interface {
	Migrate() error
}

// ProjectStore is the narrow set of project-level operations.
type ProjectStore interface {
	CreateProject(name, spec string, mode model.EpicTestingMode, sandboxType string) (*model.Project, error)
	GetProject(id string) (*model.Project, error)
	GetProjectByName(name string) (*model.Project, error)
	SetInitialized(id string, initialized bool) error
	// PurgeRoadmap discards a project's epics/tasks/tests and clears its
	// initialized flag, leaving the project and its sessions intact.
	PurgeRoadmap(id string) (DeleteCounts, error)
	DeleteProject(id string) (DeleteCounts, error)
}

// EpicStore is the narrow set of epic-level operations.
type EpicStore interface {
	CreateEpic(projectID, name string, priority int) (*model.Epic, error)
	GetEpic(id string) (*model.Epic, error)
	ListEpics(projectID string) ([]*model.Epic, error)
	UpdateEpicStatus(id string, status model.EpicStatus) error
}

// TaskStore is the narrow set of task-level operations.
type TaskStore interface {
	CreateTask(epicID string, priority int, action, description string) (*model.Task, error)
	GetTask(id string) (*model.Task, error)
	ListTasks(epicID string) ([]*model.Task, error)
	// MarkTaskDone enforces the task gate: it fails with *TestsNotPassing
	// if any attached test has not passed, and otherwise marks the task
	// done and triggers CheckEpicCompletion for its parent epic.
	// sessionID, if non-empty, is recorded on any Intervention the
	// resulting epic gate creates.
	MarkTaskDone(taskID, sessionID string) (*GateResult, error)
	// NextTask returns the next unit of work for a project: a pending
	// epic-test check takes precedence over the lowest-priority open task.
	NextTask(projectID string) (*NextUnit, error)
}

// TestStore is the narrow set of task-level test operations.
type TestStore interface {
	CreateTest(taskID, category, requirements, successCriteria, steps string) (*model.Test, error)
	GetTest(id string) (*model.Test, error)
	ListTests(taskID string) ([]*model.Test, error)
	UpdateTestResult(testID string, passes bool, notes, errDetail string, durMs int64) error
}

// EpicTestStore is the narrow set of epic-test operations.
type EpicTestStore interface {
	CreateEpicTest(epicID, name string, dependsOnTasks []string) (*model.EpicTest, error)
	GetEpicTest(id string) (*model.EpicTest, error)
	ListEpicTests(epicID string) ([]*model.EpicTest, error)
	// sessionID, if non-empty, is recorded on any Intervention the
	// resulting epic gate creates.
	UpdateEpicTestResult(id string, result model.EpicTestResult, failureLog, sessionID string) (*GateResult, error)
}

// SessionStore is the narrow set of session operations.
type SessionStore interface {
	RecordSession(projectID string, typ model.SessionType, sessionModel string) (*model.Session, error)
	GetSession(id string) (*model.Session, error)
	UpdateSession(id string, patch SessionPatch) error
	Heartbeat(id string) error
	ListStaleSessions(threshold map[model.SessionType]time.Duration) ([]*model.Session, error)
	ListSessions(projectID string) ([]*model.Session, error)
}

// InterventionStore is the narrow set of intervention operations.
type InterventionStore interface {
	CreateIntervention(projectID, epicID, sessionID string, failedTests []string, reason string) (*model.Intervention, error)
	ResolveIntervention(id string) error
	ListOpenInterventions(projectID string) ([]*model.Intervention, error)
}

// CheckpointStore is the narrow set of checkpoint operations. Checkpoints
// are advisory: the authoritative state is always the rows above.
type CheckpointStore interface {
	CreateCheckpoint(sessionID, projectID, kind, payload string) (*model.Checkpoint, error)
	ListCheckpoints(sessionID string) ([]*model.Checkpoint, error)
}

// Store composes every narrow interface into the single durable source of
// truth the rest of sessionctl depends on.
type Store interface {
	io.Closer
	Migrator
	ProjectStore
	EpicStore
	TaskStore
	TestStore
	EpicTestStore
	SessionStore
	InterventionStore
	CheckpointStore
}

var _ Store = (*DB)(nil)
