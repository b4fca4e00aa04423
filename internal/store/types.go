package store

import (
	"time"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

// DeleteCounts reports how many rows of each kind a cascading delete
// removed, for response composition.
type DeleteCounts struct {
	EpicsDeleted         int
	TasksDeleted         int
	TestsDeleted         int
	EpicTestsDeleted     int
	SessionsDeleted      int
	InterventionsDeleted int
	CheckpointsDeleted   int
}

// NextUnitKind tags the variant NextTask returns.
type NextUnitKind string

const (
	NextUnitTask           NextUnitKind = "task"
	NextUnitEpicTestNeeded NextUnitKind = "epic_test_required"
	NextUnitNone           NextUnitKind = "none"
)

// NextUnit is the tagged result of Store.NextTask.
type NextUnit struct {
	Kind NextUnitKind
	Task *model.Task
	Epic *model.Epic
}

// GateResult reports what the completion gate decided when the last
// pending task of an epic closed, or when an epic-test result was
// recorded for an epic with no pending tasks left.
type GateResult struct {
	EpicID            string
	NewStatus         model.EpicStatus
	Blocked           bool
	FailingIDs        []string
	Intervention      *model.Intervention
	RetestRecommended bool
}

// SessionPatch carries the optional fields UpdateSession may change; a
// nil field leaves the corresponding column untouched.
type SessionPatch struct {
	Status        *model.SessionStatus
	FailureReason *string
	StartedAt     *time.Time
	EndedAt       *time.Time
	Metrics       *model.SessionMetrics
}
