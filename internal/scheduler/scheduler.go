// Package scheduler runs the init loop and the auto-continue coding loop
// for a project: one iteration claims the project's registry slot,
// records a session, invokes the SessionRunner, pipes its events through
// the EventBus while applying side effects via the Store, and releases
// the slot on the session's terminal event.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/waypoint-labs/sessionctl/internal/eventbus"
	"github.com/waypoint-labs/sessionctl/internal/model"
	"github.com/waypoint-labs/sessionctl/internal/registry"
	"github.com/waypoint-labs/sessionctl/internal/runner"
	"github.com/waypoint-labs/sessionctl/internal/store"
)

// DefaultCancelGrace is how long the Scheduler waits for a cancelled
// runner to actually terminate its event stream before detaching.
const DefaultCancelGrace = 30 * time.Second

// Scheduler owns the lifecycle of one session at a time, for any number
// of projects running concurrently (enforced by the Registry, one claim
// per project).
type Scheduler struct {
	Store       store.Store
	Registry    *registry.Registry
	Bus         *eventbus.EventBus
	Runner      runner.SessionRunner
	CancelGrace time.Duration
}

// New builds a Scheduler from its collaborators.
func New(st store.Store, reg *registry.Registry, bus *eventbus.EventBus, r runner.SessionRunner) *Scheduler {
	return &Scheduler{Store: st, Registry: reg, Bus: bus, Runner: r, CancelGrace: DefaultCancelGrace}
}

func (s *Scheduler) grace() time.Duration {
	if s.CancelGrace <= 0 {
		return DefaultCancelGrace
	}
	return s.CancelGrace
}

// RunInit executes the single-iteration initialization session for a
// project: it records the session, runs SessionRunner.RunInit, pipes
// events through the bus, and on success flips project.initialized.
// Returns the session's terminal status.
func (s *Scheduler) RunInit(project *model.Project) (model.SessionStatus, error) {
	sess, ctx, cancel, err := s.startInit(project)
	if err != nil {
		return "", err
	}
	return s.finishInit(ctx, cancel, project, sess)
}

// RunInitAsync starts an initialization session and returns as soon as it
// is recorded and claimed (session.status already flipped to running),
// without waiting for the runner to finish. The session runs to
// completion on a background goroutine; callers observe its progress
// through the EventBus. This is what the Orchestrator's Initialize uses
// to hand its caller a running session immediately instead of blocking
// for the duration of a whole initialization pass.
func (s *Scheduler) RunInitAsync(project *model.Project) (*model.Session, error) {
	sess, ctx, cancel, err := s.startInit(project)
	if err != nil {
		return nil, err
	}
	go func() {
		if _, err := s.finishInit(ctx, cancel, project, sess); err != nil {
			log.Printf("[scheduler] init session %s for project %s ended with error: %v", sess.ID, project.ID, err)
		}
	}()
	return sess, nil
}

// startInit records the session, claims the registry slot, publishes
// SessionStarted, and flips the session to running — the synchronous
// prefix shared by RunInit and RunInitAsync.
func (s *Scheduler) startInit(project *model.Project) (*model.Session, context.Context, context.CancelFunc, error) {
	sess, err := s.Store.RecordSession(project.ID, model.SessionInitializer, "")
	if err != nil {
		return nil, nil, nil, err
	}

	_, ctx, cancel, err := s.Registry.TryClaim(project.ID, sess.ID, registry.KindInitializer, time.Now().UnixNano())
	if err != nil {
		return nil, nil, nil, err
	}

	s.Bus.Publish(project.ID, eventbus.SessionStarted, eventbus.SessionStartedPayload{
		SessionID: sess.ID, Number: sess.SessionNumber, Type: string(model.SessionInitializer),
	})
	running := model.SessionRunning
	now := time.Now().UTC()
	_ = s.Store.UpdateSession(sess.ID, store.SessionPatch{Status: &running, StartedAt: &now})
	sess.Status = model.SessionRunning
	sess.StartedAt = &now
	return sess, ctx, cancel, nil
}

// finishInit runs the runner to completion, drains its events, and on
// success flips project.initialized. It owns releasing the registry slot
// and cancelling ctx, so it must be called exactly once per startInit.
func (s *Scheduler) finishInit(ctx context.Context, cancel context.CancelFunc, project *model.Project, sess *model.Session) (model.SessionStatus, error) {
	defer cancel()
	defer s.Registry.Release(project.ID, sess.ID)

	events, results := s.Runner.RunInit(ctx, project)
	status, _, runErr := s.drain(ctx, project.ID, sess.ID, events, results)

	if status == model.SessionCompleted {
		if err := s.Store.SetInitialized(project.ID, true); err != nil {
			return status, err
		}
	}
	return status, runErr
}

// CodingOptions bounds a coding loop invocation.
type CodingOptions struct {
	// MaxIterations caps the number of sessions this call runs; 0 means
	// unbounded (run until NextTask reports None or a stop/block fires).
	MaxIterations int
	Model         string
}

// RunCodingAsync starts the coding loop on a background goroutine and
// returns immediately, matching the "started" response StartCoding gives
// its caller without blocking for the loop's entire run. Any terminal
// error is logged; callers observe progress and failures through the
// EventBus instead.
func (s *Scheduler) RunCodingAsync(project *model.Project, opts CodingOptions) {
	go func() {
		if err := s.RunCoding(project, opts); err != nil {
			log.Printf("[scheduler] coding loop for project %s ended with error: %v", project.ID, err)
		}
	}()
}

// RunCoding drives the auto-continue coding loop. It returns once the
// loop naturally exits: roadmap exhausted, stop observed between
// iterations, a completion-gate block, or a transient session failure.
func (s *Scheduler) RunCoding(project *model.Project, opts CodingOptions) error {
	for i := 0; opts.MaxIterations == 0 || i < opts.MaxIterations; i++ {
		unit, err := s.Store.NextTask(project.ID)
		if err != nil {
			return err
		}
		if unit.Kind == store.NextUnitNone {
			log.Printf("[scheduler] roadmap exhausted for project %s", project.ID)
			s.publishProgress(project.ID)
			return nil
		}

		directive := runner.Directive{}
		switch unit.Kind {
		case store.NextUnitTask:
			directive.TaskID = unit.Task.ID
		case store.NextUnitEpicTestNeeded:
			directive.EpicTestVerification = true
			directive.EpicID = unit.Epic.ID
		}

		status, blocked, stopRequested, err := s.runCodingIteration(project, opts.Model, directive)
		if err != nil {
			return err
		}
		if blocked {
			return nil
		}
		if status != model.SessionCompleted {
			// Transient or cancelled failure: the orchestrator surface
			// offers no implicit retry.
			return nil
		}
		if stopRequested {
			// The current session ran to its natural terminus; the next
			// one is never recorded.
			return nil
		}
	}
	return nil
}

// runCodingIteration runs exactly one session for one unit of work and
// reports whether the iteration ended because the completion gate
// blocked the epic, and whether a stop was requested against this
// session before its registry slot was released (the stop flag lives on
// the per-session registry entry, so it must be read before Release,
// which is why it is captured here and threaded back to the caller
// rather than queried from the registry afterward).
func (s *Scheduler) runCodingIteration(project *model.Project, model_ string, directive runner.Directive) (status model.SessionStatus, blocked bool, stopRequested bool, err error) {
	sess, err := s.Store.RecordSession(project.ID, model.SessionCoding, model_)
	if err != nil {
		return "", false, false, err
	}

	entry, ctx, cancel, err := s.Registry.TryClaim(project.ID, sess.ID, registry.KindCoding, time.Now().UnixNano())
	if err != nil {
		return "", false, false, err
	}
	defer func() {
		stopRequested = entry.StopRequested()
		cancel()
		s.Registry.Release(project.ID, sess.ID)
	}()

	s.Bus.Publish(project.ID, eventbus.SessionStarted, eventbus.SessionStartedPayload{
		SessionID: sess.ID, Number: sess.SessionNumber, Type: string(model.SessionCoding),
	})
	running := model.SessionRunning
	now := time.Now().UTC()
	_ = s.Store.UpdateSession(sess.ID, store.SessionPatch{Status: &running, StartedAt: &now})

	events, results := s.Runner.RunCoding(ctx, project, directive)
	var gateResult *store.GateResult
	status, gateResult, err = s.drain(ctx, project.ID, sess.ID, events, results)
	if err != nil {
		return status, false, false, err
	}

	if status != model.SessionCompleted {
		return status, false, false, nil
	}

	// On a completed coding session, apply the directive's outcome
	// through the gate. The runner never writes to the store directly
	// (SessionRunner contract); EventTestResult/EventEpicTestResult
	// observed during drain already recorded individual test outcomes,
	// and now the directive's own completion is applied: MarkTaskDone
	// for a task directive (enforcing the task gate), or folding in the
	// last epic-test GateResult observed for an epic-test directive.
	if directive.TaskID != "" {
		taskResult, markErr := s.Store.MarkTaskDone(directive.TaskID, sess.ID)
		if markErr == nil {
			s.checkpoint(sess.ID, project.ID, "task_completed", directive.TaskID)
			s.publishProgress(project.ID)
		}
		if markErr != nil {
			var notPassing *store.TestsNotPassing
			if errors.As(markErr, &notPassing) {
				failed := model.SessionFailed
				reason := "TestsNotPassing"
				_ = s.Store.UpdateSession(sess.ID, store.SessionPatch{Status: &failed, FailureReason: &reason})
				s.Bus.Publish(project.ID, eventbus.SessionError, eventbus.SessionErrorPayload{
					SessionID: sess.ID, Code: "TestsNotPassing", Detail: markErr.Error(),
				})
				return model.SessionFailed, false, false, nil
			}
			return status, false, false, markErr
		}
		gateResult = taskResult
	}

	if gateResult != nil && gateResult.Blocked {
		s.checkpoint(sess.ID, project.ID, "intervention", gateResult.EpicID)
		failed := model.SessionFailed
		reason := "EpicTestBlocked"
		_ = s.Store.UpdateSession(sess.ID, store.SessionPatch{Status: &failed, FailureReason: &reason})
		s.Bus.Publish(project.ID, eventbus.SessionError, eventbus.SessionErrorPayload{
			SessionID: sess.ID, Code: "EpicTestBlocked", Detail: "epic blocked by the completion gate",
		})
		return model.SessionFailed, true, false, nil
	}
	if gateResult != nil && gateResult.NewStatus == model.EpicCompleted {
		s.checkpoint(sess.ID, project.ID, "epic_completed", gateResult.EpicID)
		if gateResult.RetestRecommended {
			log.Printf("[scheduler] retest recommended for project %s after epic %s completed", project.ID, gateResult.EpicID)
		}
	}
	return status, false, false, nil
}

// checkpoint persists an advisory snapshot; checkpoints never gate
// anything, so failures are logged and swallowed.
func (s *Scheduler) checkpoint(sessionID, projectID, kind, subjectID string) {
	payload, err := json.Marshal(map[string]string{"subject_id": subjectID})
	if err != nil {
		return
	}
	if _, err := s.Store.CreateCheckpoint(sessionID, projectID, kind, string(payload)); err != nil {
		log.Printf("[scheduler] failed to record %s checkpoint for session %s: %v", kind, sessionID, err)
	}
}

// publishProgress broadcasts a ProgressUpdate computed from current store
// rows rather than from runner hints, so subscribers always see counts
// consistent with what the store would report.
func (s *Scheduler) publishProgress(projectID string) {
	epics, err := s.Store.ListEpics(projectID)
	if err != nil {
		return
	}
	var p eventbus.ProgressUpdatePayload
	for _, e := range epics {
		if e.Status == model.EpicCompleted {
			p.EpicsCompleted++
		}
		tasks, err := s.Store.ListTasks(e.ID)
		if err != nil {
			return
		}
		p.TasksTotal += len(tasks)
		for _, t := range tasks {
			if t.Done {
				p.TasksCompleted++
			}
		}
	}
	if unit, err := s.Store.NextTask(projectID); err == nil && unit.Kind == store.NextUnitTask {
		p.NextTaskID = unit.Task.ID
	}
	s.Bus.Publish(projectID, eventbus.ProgressUpdate, p)
}

// drain consumes a runner's event stream, heartbeating the session,
// republishing each event through the bus, and applying any
// EventTestResult/EventEpicTestResult side effects via the Store (the
// runner itself never writes to the store). It returns once the result
// channel yields a terminal value, or the cancel grace period elapses
// after ctx.Done(). The returned GateResult, if any, is the most recent
// one observed from an epic-test result landing during this session.
func (s *Scheduler) drain(ctx context.Context, projectID, sessionID string, events <-chan runner.RunnerEvent, results <-chan runner.Result) (model.SessionStatus, *store.GateResult, error) {
	toolCount := 0
	refs := make(map[string]string) // runner ref -> store id, for roadmap-creation events
	var lastGate *store.GateResult
	var graceTimer *time.Timer
	var graceCh <-chan time.Time

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			_ = s.Store.Heartbeat(sessionID)
			if gr := s.applyAndPublishRunnerEvent(projectID, sessionID, &toolCount, refs, ev); gr != nil {
				lastGate = gr
			}

		case res, ok := <-results:
			// The stream ends iff the result is observable (SessionRunner
			// contract), so any events still buffered are applied before
			// finalizing; losing them would drop store side effects.
			if events != nil {
				for ev := range events {
					_ = s.Store.Heartbeat(sessionID)
					if gr := s.applyAndPublishRunnerEvent(projectID, sessionID, &toolCount, refs, ev); gr != nil {
						lastGate = gr
					}
				}
			}
			if !ok {
				status, err := s.finalize(sessionID, projectID, runner.Result{Status: runner.ResultFailed, Err: errorClosed})
				return status, lastGate, err
			}
			status, err := s.finalize(sessionID, projectID, res)
			return status, lastGate, err

		case <-ctx.Done():
			if graceCh == nil {
				graceTimer = time.NewTimer(s.grace())
				graceCh = graceTimer.C
			}

		case <-graceCh:
			if graceTimer != nil {
				graceTimer.Stop()
			}
			failed := model.SessionFailed
			reason := "cancel_timeout"
			_ = s.Store.UpdateSession(sessionID, store.SessionPatch{Status: &failed, FailureReason: &reason, EndedAt: timePtr(time.Now().UTC())})
			s.Bus.Publish(projectID, eventbus.SessionError, eventbus.SessionErrorPayload{
				SessionID: sessionID, Code: "cancel_timeout", Detail: "runner did not terminate within the cancel grace period",
			})
			return model.SessionFailed, lastGate, nil
		}
	}
}

var errorClosed = &closedStreamError{}

type closedStreamError struct{}

func (*closedStreamError) Error() string { return "runner event stream closed without a result" }

// applyAndPublishRunnerEvent republishes ev on the bus (where it maps to
// a subscriber-facing event kind) and applies its store side effect, if
// any. It returns the GateResult produced by an EventEpicTestResult, or
// nil for every other kind.
func (s *Scheduler) applyAndPublishRunnerEvent(projectID, sessionID string, toolCount *int, refs map[string]string, ev runner.RunnerEvent) *store.GateResult {
	switch ev.Kind {
	case runner.EventToolUse:
		*toolCount++
		s.Bus.Publish(projectID, eventbus.ToolUse, eventbus.ToolUsePayload{ToolName: ev.ToolName, CumulativeCount: *toolCount})
	case runner.EventMessage:
		s.Bus.Publish(projectID, eventbus.AssistantMessage, eventbus.AssistantMessagePayload{Text: ev.Message, At: time.Now().UTC()})
	case runner.EventProgress:
		s.publishProgress(projectID)
	case runner.EventArtifact:
		log.Printf("[scheduler] artifact emitted for project %s: %s", projectID, ev.ArtifactPath)
	case runner.EventEpicCreated:
		epic, err := s.Store.CreateEpic(projectID, ev.Name, ev.Priority)
		if err != nil {
			log.Printf("[scheduler] failed to create epic %q: %v", ev.Name, err)
			return nil
		}
		refs[ev.Ref] = epic.ID
	case runner.EventTaskCreated:
		epicID, ok := refs[ev.ParentRef]
		if !ok {
			log.Printf("[scheduler] task %q references unknown epic ref %q, skipping", ev.Action, ev.ParentRef)
			return nil
		}
		task, err := s.Store.CreateTask(epicID, ev.Priority, ev.Action, ev.Description)
		if err != nil {
			log.Printf("[scheduler] failed to create task %q: %v", ev.Action, err)
			return nil
		}
		refs[ev.Ref] = task.ID
	case runner.EventTestCreated:
		taskID, ok := refs[ev.ParentRef]
		if !ok {
			log.Printf("[scheduler] test references unknown task ref %q, skipping", ev.ParentRef)
			return nil
		}
		test, err := s.Store.CreateTest(taskID, ev.Category, ev.Requirements, ev.SuccessCriteria, ev.Steps)
		if err != nil {
			log.Printf("[scheduler] failed to create test for task %s: %v", taskID, err)
			return nil
		}
		refs[ev.Ref] = test.ID
	case runner.EventEpicTestCreated:
		epicID, ok := refs[ev.ParentRef]
		if !ok {
			log.Printf("[scheduler] epic-test %q references unknown epic ref %q, skipping", ev.Name, ev.ParentRef)
			return nil
		}
		deps := make([]string, 0, len(ev.DependsOnRefs))
		for _, ref := range ev.DependsOnRefs {
			if id, ok := refs[ref]; ok {
				deps = append(deps, id)
			}
		}
		et, err := s.Store.CreateEpicTest(epicID, ev.Name, deps)
		if err != nil {
			log.Printf("[scheduler] failed to create epic-test %q: %v", ev.Name, err)
			return nil
		}
		refs[ev.Ref] = et.ID
	case runner.EventTestResult:
		id := ev.TestID
		if mapped, ok := refs[id]; ok {
			id = mapped
		}
		if err := s.Store.UpdateTestResult(id, ev.Passes, ev.Notes, ev.ErrorDetail, ev.ExecutionTimeMs); err != nil {
			log.Printf("[scheduler] failed to record test result %s: %v", id, err)
		}
	case runner.EventEpicTestResult:
		id := ev.EpicTestID
		if mapped, ok := refs[id]; ok {
			id = mapped
		}
		gr, err := s.Store.UpdateEpicTestResult(id, model.EpicTestResult(ev.Result), ev.FailureLog, sessionID)
		if err != nil {
			log.Printf("[scheduler] failed to record epic-test result %s: %v", id, err)
			return nil
		}
		return gr
	}
	return nil
}

func (s *Scheduler) finalize(sessionID, projectID string, res runner.Result) (model.SessionStatus, error) {
	var status model.SessionStatus
	switch res.Status {
	case runner.ResultCompleted:
		status = model.SessionCompleted
	case runner.ResultCancelled:
		status = model.SessionCancelled
	default:
		status = model.SessionFailed
	}

	endedAt := time.Now().UTC()
	metrics := res.Metrics
	patch := store.SessionPatch{Status: &status, EndedAt: &endedAt, Metrics: &metrics}
	if res.Err != nil {
		reason := res.Err.Error()
		patch.FailureReason = &reason
	}
	if err := s.Store.UpdateSession(sessionID, patch); err != nil {
		return status, err
	}

	var durationS float64
	sess, err := s.Store.GetSession(sessionID)
	if err == nil && sess.StartedAt != nil {
		durationS = endedAt.Sub(*sess.StartedAt).Seconds()
	}

	if status == model.SessionFailed && res.Err != nil {
		s.Bus.Publish(projectID, eventbus.SessionError, eventbus.SessionErrorPayload{
			SessionID: sessionID, Code: "RunnerFailed", Detail: res.Err.Error(),
		})
	} else {
		s.Bus.Publish(projectID, eventbus.SessionComplete, eventbus.SessionCompletePayload{
			SessionID: sessionID, Status: string(status), DurationS: durationS,
		})
	}
	return status, nil
}

func timePtr(t time.Time) *time.Time { return &t }
