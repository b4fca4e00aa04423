// Package runner defines the SessionRunner capability contract: the
// abstract boundary between the orchestrator and the external agent
// driver that actually talks to an LLM / sandbox. Only the contract
// lives here — the real driver is supplied by the embedder; this package
// also ships an in-memory fake used by the scheduler and orchestrator
// tests.
package runner

import (
	"context"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

// EventKind tags a RunnerEvent.
type EventKind string

const (
	EventToolUse  EventKind = "tool_use"
	EventMessage  EventKind = "message"
	EventProgress EventKind = "progress"
	EventArtifact EventKind = "artifact"
	// EventTestResult reports that the runner finished executing one
	// task-level test. The orchestrator is the only writer of store
	// state (per the SessionRunner contract below), so a runner that
	// wants a test recorded as passing must emit this event rather than
	// ever touching the store itself.
	EventTestResult EventKind = "test_result"
	// EventEpicTestResult reports the outcome of an epic-test
	// verification pass, emitted when Directive.EpicTestVerification is
	// set.
	EventEpicTestResult EventKind = "epic_test_result"

	// Roadmap-creation events, emitted by initializer sessions. The
	// runner assigns each created entity a Ref of its own choosing and
	// links children to parents through ParentRef; the orchestrator maps
	// refs to store-assigned ids as it applies the events, so the runner
	// never needs to know a store id.
	EventEpicCreated     EventKind = "epic_created"
	EventTaskCreated     EventKind = "task_created"
	EventTestCreated     EventKind = "test_created"
	EventEpicTestCreated EventKind = "epic_test_created"
)

// RunnerEvent is one item of the runner's event stream: a tool use, a
// message, a progress hint, an artifact notification, or a test/epic-test
// result. Only the fields relevant to Kind are populated.
type RunnerEvent struct {
	Kind            EventKind
	ToolName        string
	CumulativeCount int
	Message         string
	ProgressNote    string
	ArtifactPath    string

	// EventTestResult fields.
	TestID          string
	Passes          bool
	Notes           string
	ErrorDetail     string
	ExecutionTimeMs int64

	// EventEpicTestResult fields.
	EpicTestID string
	Result     string // model.EpicTestResult value, carried as string to keep this package model-light.
	FailureLog string

	// Roadmap-creation fields.
	Ref             string // runner-chosen handle for the created entity
	ParentRef       string // handle of the owning epic (tasks, epic-tests) or task (tests)
	Name            string
	Priority        int
	Action          string
	Description     string
	Category        string
	Requirements    string
	SuccessCriteria string
	Steps           string
	DependsOnRefs   []string
}

// ResultStatus is the terminal outcome of one session run.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultCancelled ResultStatus = "cancelled"
	ResultFailed    ResultStatus = "failed"
)

// Result is the terminal outcome of a RunInit/RunCoding invocation.
type Result struct {
	Status  ResultStatus
	Metrics model.SessionMetrics
	Err     error
}

// Directive tells RunCoding what unit of work to execute: either a task
// or an epic-test verification pass.
type Directive struct {
	TaskID               string
	EpicTestVerification bool
	EpicID               string
	EpicTestID           string
}

// SessionRunner is the capability contract the orchestrator depends on.
// The contract requires: the event channel closes iff the result channel
// is about to deliver its single value (the stream ends iff Result is
// observable); ctx cancellation eventually produces a cancelled Result;
// the runner never writes to the store — the orchestrator mediates all
// writes from observed events.
type SessionRunner interface {
	RunInit(ctx context.Context, project *model.Project) (<-chan RunnerEvent, <-chan Result)
	RunCoding(ctx context.Context, project *model.Project, directive Directive) (<-chan RunnerEvent, <-chan Result)
}
