package orchestrator_test

import (
	"testing"
	"time"

	"github.com/waypoint-labs/sessionctl/internal/eventbus"
	"github.com/waypoint-labs/sessionctl/internal/model"
	"github.com/waypoint-labs/sessionctl/internal/orchestrator"
	"github.com/waypoint-labs/sessionctl/internal/registry"
	"github.com/waypoint-labs/sessionctl/internal/runner"
	"github.com/waypoint-labs/sessionctl/internal/scheduler"
	"github.com/waypoint-labs/sessionctl/internal/store"
)

func newOrchestrator(t *testing.T, f runner.SessionRunner) (*orchestrator.Orchestrator, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg := registry.New()
	bus := eventbus.New(64)
	sched := scheduler.New(db, reg, bus, f)
	return orchestrator.New(db, reg, bus, sched), db
}

func waitForEvent(t *testing.T, ch <-chan eventbus.Event, want eventbus.EventType) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

func TestCreateProjectValidatesThroughStore(t *testing.T) {
	o, _ := newOrchestrator(t, &runner.Fake{})

	p, err := o.CreateProject("demo", "build a thing", orchestrator.CreateProjectOptions{})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.Initialized {
		t.Fatal("new project must start uninitialized")
	}

	if _, err := o.CreateProject("Not Valid!", "spec", orchestrator.CreateProjectOptions{}); err != store.ErrInvalidProjectName {
		t.Fatalf("expected ErrInvalidProjectName, got %v", err)
	}
}

func TestInitializeRunsAsyncAndFlipsInitialized(t *testing.T) {
	f := &runner.Fake{InitScripts: []runner.Script{{
		Events: []runner.RunnerEvent{{Kind: runner.EventMessage, Message: "planning"}},
		Result: runner.Result{Status: runner.ResultCompleted},
	}}}
	o, db := newOrchestrator(t, f)

	p, err := o.CreateProject("demo", "spec", orchestrator.CreateProjectOptions{})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	ch, unsub := o.Subscribe(p.ID)
	defer unsub()

	sess, err := o.Initialize(p.ID, orchestrator.InitializeOptions{})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if sess.Status != model.SessionRunning {
		t.Fatalf("expected Initialize to return a running session immediately, got %s", sess.Status)
	}

	waitForEvent(t, ch, eventbus.SessionComplete)

	got, err := db.GetProject(p.ID)
	if err != nil || !got.Initialized {
		t.Fatalf("expected project initialized after async init completes: %+v %v", got, err)
	}

	if _, err := o.Initialize(p.ID, orchestrator.InitializeOptions{}); err != store.ErrAlreadyInitialized {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestStartCodingRequiresInitialization(t *testing.T) {
	o, _ := newOrchestrator(t, &runner.Fake{})
	p, err := o.CreateProject("demo", "spec", orchestrator.CreateProjectOptions{})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	if err := o.StartCoding(p.ID, orchestrator.StartCodingOptions{}); err != store.ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestDeleteProjectRefusedWhileSessionActive(t *testing.T) {
	f := &runner.Fake{InitScripts: []runner.Script{{
		Events: []runner.RunnerEvent{{Kind: runner.EventMessage, Message: "slow"}},
		Result: runner.Result{Status: runner.ResultCompleted},
	}}}
	o, _ := newOrchestrator(t, f)
	p, err := o.CreateProject("demo", "spec", orchestrator.CreateProjectOptions{})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	ch, unsub := o.Subscribe(p.ID)
	defer unsub()

	if _, err := o.Initialize(p.ID, orchestrator.InitializeOptions{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := o.DeleteProject(p.ID); err != registry.ErrBusy {
		t.Fatalf("expected ErrBusy while init session is active, got %v", err)
	}

	waitForEvent(t, ch, eventbus.SessionComplete)

	if _, err := o.DeleteProject(p.ID); err != nil {
		t.Fatalf("DeleteProject after completion: %v", err)
	}
}

func TestCancelInitializePurgesRoadmap(t *testing.T) {
	f := &runner.Fake{}
	o, db := newOrchestrator(t, f)
	p, err := o.CreateProject("demo", "spec", orchestrator.CreateProjectOptions{})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	if _, err := o.CancelInitialize(p.ID); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound with no active init session, got %v", err)
	}

	sess, err := db.RecordSession(p.ID, model.SessionInitializer, "")
	if err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	if _, _, _, err := o.Registry.TryClaim(p.ID, sess.ID, registry.KindInitializer, time.Now().UnixNano()); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	epic, err := db.CreateEpic(p.ID, "Epic A", 1)
	if err != nil {
		t.Fatalf("CreateEpic: %v", err)
	}
	if _, err := db.CreateTask(epic.ID, 1, "do it", "description"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := db.SetInitialized(p.ID, true); err != nil {
		t.Fatalf("SetInitialized: %v", err)
	}

	res, err := o.CancelInitialize(p.ID)
	if err != nil {
		t.Fatalf("CancelInitialize: %v", err)
	}
	if res.EpicsDeleted != 1 || res.TasksDeleted != 1 {
		t.Fatalf("unexpected purge counts: %+v", res)
	}

	got, err := db.GetProject(p.ID)
	if err != nil || got.Initialized {
		t.Fatalf("expected initialized cleared: %+v %v", got, err)
	}
	if epics, _ := db.ListEpics(p.ID); len(epics) != 0 {
		t.Fatalf("expected no epics after purge, got %d", len(epics))
	}
	if _, ok := o.Registry.Active(p.ID); ok {
		t.Fatal("registry slot should be released after cancel")
	}
}

func TestStatusReportsProgressAndActiveSession(t *testing.T) {
	o, db := newOrchestrator(t, &runner.Fake{})
	p, err := o.CreateProject("demo", "spec", orchestrator.CreateProjectOptions{})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	epic, err := db.CreateEpic(p.ID, "Epic A", 1)
	if err != nil {
		t.Fatalf("CreateEpic: %v", err)
	}
	task, err := db.CreateTask(epic.ID, 1, "do it", "description")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := db.MarkTaskDone(task.ID, ""); err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}

	st, err := o.Status(p.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Progress.EpicsTotal != 1 || st.Progress.TasksTotal != 1 || st.Progress.TasksDone != 1 {
		t.Fatalf("unexpected progress snapshot: %+v", st.Progress)
	}
	if st.Progress.EpicsCompleted != 1 {
		t.Fatalf("expected epic with its only task done to complete, got %+v", st.Progress)
	}
	if st.ActiveSession != nil {
		t.Fatalf("expected no active session, got %+v", st.ActiveSession)
	}
}

func TestStopCodingAndCancelSessionAreIdempotentNoOps(t *testing.T) {
	o, _ := newOrchestrator(t, &runner.Fake{})
	p, err := o.CreateProject("demo", "spec", orchestrator.CreateProjectOptions{})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	o.StopCoding(p.ID)
	o.CancelSession(p.ID)
}
