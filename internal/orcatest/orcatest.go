// Package orcatest is an integration harness wiring a real sqlite-backed
// Store to a real Scheduler with only the Runner faked, exercising the
// dispatch and concurrency-cap scenarios from spec.md's testable-properties
// section end to end through the database layer instead of through the
// map-backed fakes internal/scheduler's own unit tests use. Its fake-runner
// construction follows internal/executor/orchestrator_test.go's
// mockWaveExecutor: a struct of func fields a test assigns per case.
package orcatest

import (
	"context"
	"sync"

	"github.com/emily-flambe/orca/internal/runner"
)

// FakeRunner is a test double for scheduler.RunnerClient. RunFunc is called
// for every invocation; a nil RunFunc returns a completed result with no
// cost. Calls are recorded in order for assertions.
type FakeRunner struct {
	RunFunc func(ctx context.Context, req runner.Request) (*runner.Result, error)

	mu    sync.Mutex
	calls []runner.Request
}

func (f *FakeRunner) Run(ctx context.Context, req runner.Request) (*runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.RunFunc != nil {
		return f.RunFunc(ctx, req)
	}
	return &runner.Result{Status: "completed"}, nil
}

// Calls returns the requests seen so far, in order.
func (f *FakeRunner) Calls() []runner.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runner.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns the number of invocations Run has been asked to execute.
func (f *FakeRunner) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Blocking returns a FakeRunner whose Run blocks until the test closes
// release, for exercising the concurrency cap: N invocations start and sit
// "running" until the test decides to let them finish.
func Blocking(release <-chan struct{}, result *runner.Result) *FakeRunner {
	fr := &FakeRunner{}
	fr.RunFunc = func(ctx context.Context, req runner.Request) (*runner.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if result != nil {
			return result, nil
		}
		return &runner.Result{Status: "completed"}, nil
	}
	return fr
}
