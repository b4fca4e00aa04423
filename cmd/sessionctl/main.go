// Command sessionctl drives autonomous, multi-phase code-generation
// projects: it plans a roadmap (epics, tasks, tests) in an initializer
// session and then executes it across coding sessions until the roadmap
// is exhausted or a stop condition fires. See internal/orchestrator for
// the engine; this command is a thin Cobra transport over it.
package main

func main() {
	Execute()
}
