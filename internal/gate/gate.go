// Package gate implements the completion gate: the pure policy deciding
// when a task is completable, when an epic is completable, and when
// either must block. It has no storage of its own — it is handed the
// current rows for one task or one epic and returns a decision; the
// store applies that decision within the same transaction that read the
// rows, so the gate is deterministic and has no dependency on event
// ordering.
package gate

import (
	"strings"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

// DefaultCriticalKeywords is the configured string set matched
// case-insensitively, substring, against an epic's name to decide
// whether it is "critical" under autonomous mode.
var DefaultCriticalKeywords = []string{
	"authentication", "database", "payment", "security", "core api",
}

// DefaultAutoFailureTolerance is the number of failing epic-tests an
// autonomous, non-critical epic may carry before the gate blocks it.
const DefaultAutoFailureTolerance = 3

// DefaultRetestStride is how many completed epics elapse before a retest
// recommendation is produced. Advisory only — never a gate.
const DefaultRetestStride = 2

// TaskGate decides whether a task may be marked done. It returns the ids
// of any tests that are not passing; MarkTaskDone succeeds iff the
// returned slice is empty.
func TaskGate(tests []*model.Test) (failingIDs []string) {
	for _, t := range tests {
		if !t.Passes {
			failingIDs = append(failingIDs, t.ID)
		}
	}
	return failingIDs
}

// IsCriticalEpic reports whether name matches any configured keyword,
// case-insensitively, as a substring.
func IsCriticalEpic(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// EpicGateConfig carries the configuration the epic gate needs; zero
// values fall back to the package defaults above.
type EpicGateConfig struct {
	Mode                 model.EpicTestingMode
	CriticalKeywords     []string
	AutoFailureTolerance int
}

// EpicGateDecision is the outcome of evaluating an epic's tests once its
// last pending task has closed.
type EpicGateDecision struct {
	NewStatus  model.EpicStatus
	Blocked    bool
	FailingIDs []string
	Reason     string
}

// EpicGate classifies an epic's epic-tests and decides its next status.
// It is only meaningful to call once the epic's last pending task has
// closed; callers that invoke it earlier will simply see the epic stay
// in_progress (not_run tests dominate).
func EpicGate(cfg EpicGateConfig, epicName string, tests []*model.EpicTest) EpicGateDecision {
	var failed, notRun []string
	allPassed := true
	for _, t := range tests {
		switch t.LastResult {
		case model.EpicTestFailed:
			failed = append(failed, t.ID)
			allPassed = false
		case model.EpicTestPassed:
			// no-op
		case model.EpicTestNotRun:
			notRun = append(notRun, t.ID)
			allPassed = false
		default: // skipped, error
			allPassed = false
		}
	}

	if len(failed) > 0 {
		tolerance := cfg.AutoFailureTolerance
		if tolerance <= 0 {
			tolerance = DefaultAutoFailureTolerance
		}
		keywords := cfg.CriticalKeywords
		if len(keywords) == 0 {
			keywords = DefaultCriticalKeywords
		}

		if cfg.Mode == model.ModeStrict {
			return EpicGateDecision{
				NewStatus:  model.EpicBlocked,
				Blocked:    true,
				FailingIDs: failed,
				Reason:     "strict mode: epic-test failure always blocks",
			}
		}

		// Autonomous mode.
		critical := IsCriticalEpic(epicName, keywords)
		if critical || len(failed) > tolerance {
			reason := "autonomous mode: failure tolerance exceeded"
			if critical {
				reason = "autonomous mode: critical epic blocks on any failure"
			}
			return EpicGateDecision{
				NewStatus:  model.EpicBlocked,
				Blocked:    true,
				FailingIDs: failed,
				Reason:     reason,
			}
		}

		return EpicGateDecision{
			NewStatus: model.EpicInProgress,
			Reason:    "autonomous mode: within tolerance, epic continues",
		}
	}

	if len(notRun) > 0 {
		return EpicGateDecision{
			NewStatus: model.EpicInProgress,
			Reason:    "epic-tests pending execution",
		}
	}

	if allPassed {
		return EpicGateDecision{
			NewStatus: model.EpicCompleted,
			Reason:    "all tasks done and all epic-tests passed",
		}
	}

	return EpicGateDecision{NewStatus: model.EpicInProgress, Reason: "indeterminate epic-test state"}
}

// ShouldRecommendRetest reports whether completedCount (the number of
// epics completed so far in the project, including the one that just
// completed) crosses the configured stride. Advisory metadata only — it
// never blocks completion.
func ShouldRecommendRetest(completedCount, stride int) bool {
	if stride <= 0 {
		stride = DefaultRetestStride
	}
	return completedCount > 0 && completedCount%stride == 0
}
