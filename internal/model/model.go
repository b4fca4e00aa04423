// Package model defines the data types shared by the store, the
// completion gate, the scheduler, and the orchestrator.
package model

import "time"

// EpicTestingMode controls how the completion gate reacts to failing
// epic-tests.
type EpicTestingMode string

const (
	ModeStrict     EpicTestingMode = "strict"
	ModeAutonomous EpicTestingMode = "autonomous"
)

// Project is a unit of work keyed by a unique name, owning a roadmap and
// its sessions.
type Project struct {
	ID              string
	Name            string
	Spec            string
	Initialized     bool
	EpicTestingMode EpicTestingMode
	SandboxType     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EpicStatus is the lifecycle of an Epic.
type EpicStatus string

const (
	EpicPending    EpicStatus = "pending"
	EpicInProgress EpicStatus = "in_progress"
	EpicBlocked    EpicStatus = "blocked"
	EpicCompleted  EpicStatus = "completed"
)

// Epic belongs to one project and owns tasks and epic-tests.
type Epic struct {
	ID          string
	ProjectID   string
	Name        string
	Priority    int
	Status      EpicStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Task belongs to one epic and owns tests.
type Task struct {
	ID          string
	EpicID      string
	Priority    int
	Action      string
	Description string
	Done        bool
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Test is a task-level test. Its identity is immutable once created.
type Test struct {
	ID              string
	TaskID          string
	Category        string
	Requirements    string
	SuccessCriteria string
	Steps           string
	Passes          bool
	LastResult      string
	ExecutionTimeMs int64
	RetryCount      int
	Notes           string
	ErrorDetail     string
	VerifiedAt      *time.Time
	CreatedAt       time.Time
}

// EpicTestResult is the outcome recorded for an EpicTest.
type EpicTestResult string

const (
	EpicTestNotRun  EpicTestResult = ""
	EpicTestPassed  EpicTestResult = "passed"
	EpicTestFailed  EpicTestResult = "failed"
	EpicTestSkipped EpicTestResult = "skipped"
	EpicTestError   EpicTestResult = "error"
)

// EpicTest is an integration-level test attached to an epic.
type EpicTest struct {
	ID             string
	EpicID         string
	Name           string
	LastResult     EpicTestResult
	DependsOnTasks []string
	FailureLog     string
	CreatedAt      time.Time
	VerifiedAt     *time.Time
}

// SessionType distinguishes the planning phase from the coding phase.
type SessionType string

const (
	SessionInitializer SessionType = "initializer"
	SessionCoding      SessionType = "coding"
)

// SessionStatus is the lifecycle of a Session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// SessionMetrics captures the resource accounting for one session.
type SessionMetrics struct {
	ToolUses   int
	TokensIn   int64
	TokensOut  int64
	CostUSD    float64
	DurationMs int64
}

// Session is one bounded execution by the agent driver for a project.
type Session struct {
	ID            string
	ProjectID     string
	SessionNumber int
	Type          SessionType
	Status        SessionStatus
	Model         string
	SandboxType   string
	FailureReason string
	CreatedAt     time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	HeartbeatAt   time.Time
	Metrics       SessionMetrics
}

// Intervention records an epic that blocked and must be unblocked by a
// human or external resolver before progress continues.
type Intervention struct {
	ID          string
	ProjectID   string
	EpicID      string
	SessionID   string
	FailedTests []string
	Reason      string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// Checkpoint is a durable snapshot associated with a session at a
// well-defined point (task completion, epic completion, intervention).
// Checkpoints are advisory: the authoritative state is always the Store
// rows above.
type Checkpoint struct {
	ID        string
	SessionID string
	ProjectID string
	Kind      string
	Payload   string
	CreatedAt time.Time
}
