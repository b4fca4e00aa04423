package store_test

import (
	"errors"
	"testing"

	"github.com/waypoint-labs/sessionctl/internal/model"
	"github.com/waypoint-labs/sessionctl/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Seed scenario (a): task-gate refusal.
func TestTaskGateRefusesUntilTestPasses(t *testing.T) {
	db := newTestDB(t)

	p, err := db.CreateProject("p1", "X", model.ModeStrict, "local")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	e1, err := db.CreateEpic(p.ID, "E1", 0)
	if err != nil {
		t.Fatalf("CreateEpic: %v", err)
	}
	t1, err := db.CreateTask(e1.ID, 0, "do it", "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	te1, err := db.CreateTest(t1.ID, "functional", "", "", "")
	if err != nil {
		t.Fatalf("CreateTest: %v", err)
	}

	if _, err := db.MarkTaskDone(t1.ID, ""); err == nil {
		t.Fatal("expected TestsNotPassing error")
	} else {
		var notPassing *store.TestsNotPassing
		if !errors.As(err, &notPassing) {
			t.Fatalf("expected TestsNotPassing, got %v", err)
		}
		if len(notPassing.FailingIDs) != 1 || notPassing.FailingIDs[0] != te1.ID {
			t.Fatalf("unexpected failing ids: %v", notPassing.FailingIDs)
		}
	}

	got, err := db.GetTask(t1.ID)
	if err != nil || got.Done {
		t.Fatalf("task should remain not done: %v %v", got, err)
	}

	if err := db.UpdateTestResult(te1.ID, true, "", "", 10); err != nil {
		t.Fatalf("UpdateTestResult: %v", err)
	}
	if _, err := db.MarkTaskDone(t1.ID, ""); err != nil {
		t.Fatalf("MarkTaskDone after passing test: %v", err)
	}
	got, err = db.GetTask(t1.ID)
	if err != nil || !got.Done {
		t.Fatalf("task should be done: %v %v", got, err)
	}
}

// Seed scenario (b): strict-mode epic block.
func TestStrictModeEpicBlock(t *testing.T) {
	db := newTestDB(t)

	p, _ := db.CreateProject("p2", "X", model.ModeStrict, "local")
	e1, _ := db.CreateEpic(p.ID, "E1", 0)

	for i := 0; i < 3; i++ {
		task, _ := db.CreateTask(e1.ID, i, "t", "")
		if _, err := db.MarkTaskDone(task.ID, ""); err != nil {
			t.Fatalf("MarkTaskDone t%d: %v", i, err)
		}
	}

	et1, _ := db.CreateEpicTest(e1.ID, "ET1", nil)
	et2, _ := db.CreateEpicTest(e1.ID, "ET2", nil)

	if _, err := db.UpdateEpicTestResult(et1.ID, model.EpicTestPassed, "", ""); err != nil {
		t.Fatalf("UpdateEpicTestResult et1: %v", err)
	}
	gr, err := db.UpdateEpicTestResult(et2.ID, model.EpicTestFailed, "boom", "")
	if err != nil {
		t.Fatalf("UpdateEpicTestResult et2: %v", err)
	}
	if !gr.Blocked {
		t.Fatal("expected gate to block in strict mode")
	}

	epic, _ := db.GetEpic(e1.ID)
	if epic.Status != model.EpicBlocked {
		t.Fatalf("expected epic blocked, got %s", epic.Status)
	}

	interventions, err := db.ListOpenInterventions(p.ID)
	if err != nil || len(interventions) != 1 {
		t.Fatalf("expected one open intervention: %v %v", interventions, err)
	}
}

// Seed scenario (c): autonomous tolerance.
func TestAutonomousToleranceBlocksOnlyPastThreshold(t *testing.T) {
	db := newTestDB(t)
	db.SetGateConfig(nil, 3, 2)

	p, _ := db.CreateProject("p3", "X", model.ModeAutonomous, "local")
	e1, _ := db.CreateEpic(p.ID, "E1", 0)
	task, _ := db.CreateTask(e1.ID, 0, "t", "")
	if _, err := db.MarkTaskDone(task.ID, ""); err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}

	var ets []*model.EpicTest
	for i := 0; i < 5; i++ {
		et, _ := db.CreateEpicTest(e1.ID, "ET", nil)
		ets = append(ets, et)
	}

	var lastGate *store.GateResult
	for i := 0; i < 2; i++ {
		gr, err := db.UpdateEpicTestResult(ets[i].ID, model.EpicTestFailed, "x", "")
		if err != nil {
			t.Fatalf("UpdateEpicTestResult: %v", err)
		}
		lastGate = gr
	}
	if lastGate.Blocked {
		t.Fatal("2 failures should stay within tolerance")
	}
	epic, _ := db.GetEpic(e1.ID)
	if epic.Status != model.EpicInProgress {
		t.Fatalf("expected in_progress, got %s", epic.Status)
	}

	for i := 2; i < 4; i++ {
		lastGate, _ = db.UpdateEpicTestResult(ets[i].ID, model.EpicTestFailed, "x", "")
	}
	if !lastGate.Blocked {
		t.Fatal("4 failures should exceed tolerance of 3 and block")
	}
}

func TestCheckEpicCompletionMarksCompletedWhenAllPass(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.CreateProject("p4", "X", model.ModeStrict, "local")
	e1, _ := db.CreateEpic(p.ID, "E1", 0)
	task, _ := db.CreateTask(e1.ID, 0, "t", "")
	et, _ := db.CreateEpicTest(e1.ID, "ET1", nil)

	if _, err := db.MarkTaskDone(task.ID, ""); err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}
	epic, _ := db.GetEpic(e1.ID)
	if epic.Status != model.EpicInProgress {
		t.Fatalf("expected in_progress while epic-test unset, got %s", epic.Status)
	}

	gr, err := db.UpdateEpicTestResult(et.ID, model.EpicTestPassed, "", "")
	if err != nil {
		t.Fatalf("UpdateEpicTestResult: %v", err)
	}
	if gr.NewStatus != model.EpicCompleted {
		t.Fatalf("expected completed, got %s", gr.NewStatus)
	}
	epic, _ = db.GetEpic(e1.ID)
	if epic.Status != model.EpicCompleted || epic.CompletedAt == nil {
		t.Fatalf("epic not marked completed: %+v", epic)
	}
}

func TestRecordSessionEnforcesAtMostOneActive(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.CreateProject("p5", "X", model.ModeStrict, "local")

	s1, err := db.RecordSession(p.ID, model.SessionCoding, "m1")
	if err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	if s1.SessionNumber != 1 {
		t.Fatalf("expected session number 1, got %d", s1.SessionNumber)
	}

	if _, err := db.RecordSession(p.ID, model.SessionCoding, "m1"); !errors.Is(err, store.ErrBusy) {
		t.Fatalf("expected ErrBusy while a session is active, got %v", err)
	}

	completed := model.SessionCompleted
	if err := db.UpdateSession(s1.ID, store.SessionPatch{Status: &completed}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	s2, err := db.RecordSession(p.ID, model.SessionCoding, "m1")
	if err != nil {
		t.Fatalf("RecordSession after completion: %v", err)
	}
	if s2.SessionNumber != 2 {
		t.Fatalf("expected session number 2, got %d", s2.SessionNumber)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.CreateProject("p6", "X", model.ModeStrict, "local")
	e1, _ := db.CreateEpic(p.ID, "E1", 0)
	task, _ := db.CreateTask(e1.ID, 0, "t", "")
	db.CreateTest(task.ID, "functional", "", "", "")
	db.CreateEpicTest(e1.ID, "ET1", nil)
	db.RecordSession(p.ID, model.SessionCoding, "m")

	counts, err := db.DeleteProject(p.ID)
	if err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if counts.EpicsDeleted != 1 || counts.TasksDeleted != 1 || counts.TestsDeleted != 1 ||
		counts.EpicTestsDeleted != 1 || counts.SessionsDeleted != 1 {
		t.Fatalf("unexpected delete counts: %+v", counts)
	}

	if _, err := db.GetProject(p.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected project gone, got %v", err)
	}
}

func TestCreateProjectValidatesNameAndSpec(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.CreateProject("Bad Name!", "X", model.ModeStrict, "local"); !errors.Is(err, store.ErrInvalidProjectName) {
		t.Fatalf("expected ErrInvalidProjectName, got %v", err)
	}
	if _, err := db.CreateProject("ok-name", "", model.ModeStrict, "local"); !errors.Is(err, store.ErrSpecMissing) {
		t.Fatalf("expected ErrSpecMissing, got %v", err)
	}
	if _, err := db.CreateProject("dup", "X", model.ModeStrict, "local"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := db.CreateProject("dup", "X", model.ModeStrict, "local"); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestNextTaskOrdering(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.CreateProject("p7", "X", model.ModeStrict, "local")
	e1, _ := db.CreateEpic(p.ID, "E1", 0)
	e2, _ := db.CreateEpic(p.ID, "E2", 1)
	t1, _ := db.CreateTask(e1.ID, 0, "a", "")
	db.CreateTask(e2.ID, 0, "b", "")

	unit, err := db.NextTask(p.ID)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if unit.Kind != store.NextUnitTask || unit.Task.ID != t1.ID {
		t.Fatalf("expected lowest-priority epic's task first, got %+v", unit)
	}

	db.CreateTest(t1.ID, "functional", "", "", "")
	// t1 has an unset test; MarkTaskDone must fail, next task stays t1.
	if _, err := db.MarkTaskDone(t1.ID, ""); err == nil {
		t.Fatal("expected gate refusal")
	}
	unit, _ = db.NextTask(p.ID)
	if unit.Kind != store.NextUnitTask || unit.Task.ID != t1.ID {
		t.Fatalf("next task should still be t1 while its test is unset, got %+v", unit)
	}
}

func TestEpicTestRequiredWhenTasksDoneButTestsPending(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.CreateProject("p8", "X", model.ModeStrict, "local")
	e1, _ := db.CreateEpic(p.ID, "E1", 0)
	task, _ := db.CreateTask(e1.ID, 0, "a", "")
	db.CreateEpicTest(e1.ID, "ET1", nil)

	if _, err := db.MarkTaskDone(task.ID, ""); err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}

	unit, err := db.NextTask(p.ID)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if unit.Kind != store.NextUnitEpicTestNeeded || unit.Epic.ID != e1.ID {
		t.Fatalf("expected EpicTestRequired, got %+v", unit)
	}
}
