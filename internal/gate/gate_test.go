package gate_test

import (
	"testing"

	"github.com/waypoint-labs/sessionctl/internal/gate"
	"github.com/waypoint-labs/sessionctl/internal/model"
)

func TestTaskGate(t *testing.T) {
	tests := []*model.Test{
		{ID: "t1", Passes: true},
		{ID: "t2", Passes: false},
		{ID: "t3", Passes: false},
	}
	failing := gate.TaskGate(tests)
	if len(failing) != 2 || failing[0] != "t2" || failing[1] != "t3" {
		t.Fatalf("unexpected failing ids: %v", failing)
	}

	if got := gate.TaskGate(nil); got != nil {
		t.Fatalf("expected nil for no tests, got %v", got)
	}

	allPass := []*model.Test{{ID: "t1", Passes: true}}
	if got := gate.TaskGate(allPass); got != nil {
		t.Fatalf("expected no failing ids, got %v", got)
	}
}

func TestIsCriticalEpic(t *testing.T) {
	if !gate.IsCriticalEpic("User Authentication Flow", gate.DefaultCriticalKeywords) {
		t.Fatal("expected Authentication substring match, case-insensitive")
	}
	if gate.IsCriticalEpic("payment gateway", nil) {
		t.Fatal("nil keywords means nothing to match")
	}
	if gate.IsCriticalEpic("Reporting Dashboard", gate.DefaultCriticalKeywords) {
		t.Fatal("did not expect a critical match")
	}
	if gate.IsCriticalEpic("anything", []string{""}) {
		t.Fatal("empty keyword must never match")
	}
}

func epicTest(id string, result model.EpicTestResult) *model.EpicTest {
	return &model.EpicTest{ID: id, LastResult: result}
}

func TestEpicGateStrictModeBlocksOnAnyFailure(t *testing.T) {
	cfg := gate.EpicGateConfig{Mode: model.ModeStrict}
	tests := []*model.EpicTest{
		epicTest("et1", model.EpicTestPassed),
		epicTest("et2", model.EpicTestFailed),
	}
	d := gate.EpicGate(cfg, "Reporting", tests)
	if !d.Blocked || d.NewStatus != model.EpicBlocked {
		t.Fatalf("expected strict-mode block, got %+v", d)
	}
	if len(d.FailingIDs) != 1 || d.FailingIDs[0] != "et2" {
		t.Fatalf("unexpected failing ids: %v", d.FailingIDs)
	}
}

func TestEpicGateAutonomousWithinTolerance(t *testing.T) {
	cfg := gate.EpicGateConfig{Mode: model.ModeAutonomous, AutoFailureTolerance: 3}
	tests := []*model.EpicTest{
		epicTest("et1", model.EpicTestFailed),
		epicTest("et2", model.EpicTestFailed),
		epicTest("et3", model.EpicTestPassed),
	}
	d := gate.EpicGate(cfg, "Reporting Dashboard", tests)
	if d.Blocked || d.NewStatus != model.EpicInProgress {
		t.Fatalf("2 failures within tolerance of 3 must not block, got %+v", d)
	}
}

func TestEpicGateAutonomousExceedsTolerance(t *testing.T) {
	cfg := gate.EpicGateConfig{Mode: model.ModeAutonomous, AutoFailureTolerance: 1}
	tests := []*model.EpicTest{
		epicTest("et1", model.EpicTestFailed),
		epicTest("et2", model.EpicTestFailed),
	}
	d := gate.EpicGate(cfg, "Reporting Dashboard", tests)
	if !d.Blocked || d.NewStatus != model.EpicBlocked {
		t.Fatalf("failures past tolerance must block, got %+v", d)
	}
}

func TestEpicGateAutonomousCriticalBlocksOnAnyFailure(t *testing.T) {
	cfg := gate.EpicGateConfig{Mode: model.ModeAutonomous, AutoFailureTolerance: 10}
	tests := []*model.EpicTest{
		epicTest("et1", model.EpicTestFailed),
	}
	d := gate.EpicGate(cfg, "Core Authentication", tests)
	if !d.Blocked {
		t.Fatalf("critical epic must block on a single failure regardless of tolerance, got %+v", d)
	}
}

func TestEpicGateAutonomousUsesDefaultsWhenZero(t *testing.T) {
	cfg := gate.EpicGateConfig{Mode: model.ModeAutonomous}
	tests := make([]*model.EpicTest, 0, gate.DefaultAutoFailureTolerance+1)
	for i := 0; i < gate.DefaultAutoFailureTolerance+1; i++ {
		tests = append(tests, epicTest("et", model.EpicTestFailed))
	}
	d := gate.EpicGate(cfg, "Reporting", tests)
	if !d.Blocked {
		t.Fatalf("expected default tolerance of %d to be exceeded, got %+v", gate.DefaultAutoFailureTolerance, d)
	}
}

func TestEpicGatePendingWhileTestsNotRun(t *testing.T) {
	cfg := gate.EpicGateConfig{Mode: model.ModeStrict}
	tests := []*model.EpicTest{
		epicTest("et1", model.EpicTestPassed),
		epicTest("et2", model.EpicTestNotRun),
	}
	d := gate.EpicGate(cfg, "Reporting", tests)
	if d.Blocked || d.NewStatus != model.EpicInProgress {
		t.Fatalf("not-run tests must keep the epic in_progress, not block it, got %+v", d)
	}
}

func TestEpicGateCompletesWhenAllPass(t *testing.T) {
	cfg := gate.EpicGateConfig{Mode: model.ModeStrict}
	tests := []*model.EpicTest{
		epicTest("et1", model.EpicTestPassed),
		epicTest("et2", model.EpicTestPassed),
	}
	d := gate.EpicGate(cfg, "Reporting", tests)
	if d.Blocked || d.NewStatus != model.EpicCompleted {
		t.Fatalf("all epic-tests passing must complete the epic, got %+v", d)
	}
}

func TestEpicGateNoEpicTestsCompletes(t *testing.T) {
	cfg := gate.EpicGateConfig{Mode: model.ModeStrict}
	d := gate.EpicGate(cfg, "Reporting", nil)
	if d.Blocked || d.NewStatus != model.EpicCompleted {
		t.Fatalf("an epic with zero epic-tests must complete once its tasks close, got %+v", d)
	}
}

func TestShouldRecommendRetest(t *testing.T) {
	cases := []struct {
		completed, stride int
		want              bool
	}{
		{0, 2, false},
		{1, 2, false},
		{2, 2, true},
		{3, 2, false},
		{4, 2, true},
		{2, 0, true}, // stride<=0 falls back to DefaultRetestStride (2)
	}
	for _, c := range cases {
		if got := gate.ShouldRecommendRetest(c.completed, c.stride); got != c.want {
			t.Errorf("ShouldRecommendRetest(%d, %d) = %v, want %v", c.completed, c.stride, got, c.want)
		}
	}
}
