package runner

import (
	"context"
	"testing"
	"time"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

func drain(t *testing.T, events <-chan RunnerEvent, results <-chan Result) ([]RunnerEvent, Result) {
	t.Helper()
	var got []RunnerEvent
	for ev := range events {
		got = append(got, ev)
	}
	select {
	case res := <-results:
		return got, res
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
		return nil, Result{}
	}
}

func TestFakeRunInitStreamsScriptedEventsThenResult(t *testing.T) {
	f := &Fake{InitScripts: []Script{{
		Events: []RunnerEvent{{Kind: EventMessage, Message: "hello"}, {Kind: EventProgress, ProgressNote: "1/3"}},
		Result: Result{Status: ResultCompleted, Metrics: model.SessionMetrics{ToolUses: 2}},
	}}}

	events, results := f.RunInit(context.Background(), &model.Project{ID: "p1"})
	got, res := drain(t, events, results)

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if res.Status != ResultCompleted || res.Metrics.ToolUses != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFakeRepeatsLastScriptPastEndOfList(t *testing.T) {
	f := &Fake{CodeScripts: []Script{
		{Result: Result{Status: ResultCompleted}},
		{Result: Result{Status: ResultFailed}},
	}}

	ev1, res1 := f.RunCoding(context.Background(), &model.Project{ID: "p1"}, Directive{TaskID: "t1"})
	_, r1 := drain(t, ev1, res1)
	ev2, res2 := f.RunCoding(context.Background(), &model.Project{ID: "p1"}, Directive{TaskID: "t2"})
	_, r2 := drain(t, ev2, res2)
	ev3, res3 := f.RunCoding(context.Background(), &model.Project{ID: "p1"}, Directive{TaskID: "t3"})
	_, r3 := drain(t, ev3, res3)

	if r1.Status != ResultCompleted || r2.Status != ResultFailed || r3.Status != ResultFailed {
		t.Fatalf("unexpected sequence: %v %v %v", r1.Status, r2.Status, r3.Status)
	}
}

func TestFakeRunCodingObservesCancellation(t *testing.T) {
	f := &Fake{CodeScripts: []Script{{
		Events: []RunnerEvent{{Kind: EventToolUse}, {Kind: EventToolUse}, {Kind: EventToolUse}},
		Result: Result{Status: ResultCompleted},
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events, results := f.RunCoding(ctx, &model.Project{ID: "p1"}, Directive{TaskID: "t1"})
	_, res := drain(t, events, results)
	if res.Status != ResultCancelled {
		t.Fatalf("expected cancelled result, got %v", res.Status)
	}
}

func TestFakeWithNoScriptsDefaultsToCompleted(t *testing.T) {
	f := &Fake{}
	events, results := f.RunInit(context.Background(), &model.Project{ID: "p1"})
	_, res := drain(t, events, results)
	if res.Status != ResultCompleted {
		t.Fatalf("expected completed default result, got %v", res.Status)
	}
}
