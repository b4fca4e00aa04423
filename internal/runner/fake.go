package runner

import (
	"context"
	"sync"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

// Script is a scripted run: the events to emit and the result to end
// with. Once ctx cancellation is observed, the run ends with a
// cancelled Result instead of the scripted one.
type Script struct {
	Events []RunnerEvent
	Result Result
}

// Fake is an in-memory SessionRunner used by scheduler and orchestrator
// tests, in place of a real agent driver. Scripts are consumed in the
// order RunInit/RunCoding are called; calling past the end of the
// scripted list repeats the last script, so tests don't need to script
// every iteration of an open-ended coding loop.
type Fake struct {
	mu          sync.Mutex
	InitScripts []Script
	CodeScripts []Script
	initCalls   int
	codeCalls   int
}

func (f *Fake) RunInit(ctx context.Context, project *model.Project) (<-chan RunnerEvent, <-chan Result) {
	f.mu.Lock()
	idx := f.initCalls
	if idx >= len(f.InitScripts) {
		idx = len(f.InitScripts) - 1
	}
	f.initCalls++
	f.mu.Unlock()
	if idx < 0 {
		return f.run(ctx, Script{Result: Result{Status: ResultCompleted}})
	}
	return f.run(ctx, f.InitScripts[idx])
}

func (f *Fake) RunCoding(ctx context.Context, project *model.Project, directive Directive) (<-chan RunnerEvent, <-chan Result) {
	f.mu.Lock()
	idx := f.codeCalls
	if idx >= len(f.CodeScripts) {
		idx = len(f.CodeScripts) - 1
	}
	f.codeCalls++
	f.mu.Unlock()
	if idx < 0 {
		return f.run(ctx, Script{Result: Result{Status: ResultCompleted}})
	}
	return f.run(ctx, f.CodeScripts[idx])
}

func (f *Fake) run(ctx context.Context, s Script) (<-chan RunnerEvent, <-chan Result) {
	events := make(chan RunnerEvent, len(s.Events))
	results := make(chan Result, 1)

	go func() {
		defer close(events)
		defer close(results)
		for _, ev := range s.Events {
			select {
			case events <- ev:
			case <-ctx.Done():
				results <- Result{Status: ResultCancelled, Err: ctx.Err()}
				return
			}
		}
		select {
		case <-ctx.Done():
			results <- Result{Status: ResultCancelled, Err: ctx.Err()}
		default:
			results <- s.Result
		}
	}()

	return events, results
}

var _ SessionRunner = (*Fake)(nil)
