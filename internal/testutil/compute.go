package testutil

import (
	"context"
	"sdqueue/internal/compute"
	"strconv"
	"sync"
)

// Call records the arguments of one Scripted.Run invocation.
type Call struct {
	Input string
	Seed  int64
}

// Scripted is a compute.Computation that reports a fixed list of steps and
// then returns Result, Err, or panics with Panic. When Gate is non-nil, Run
// blocks after reporting its steps until Gate is closed or ctx is done.
type Scripted struct {
	Steps  []compute.Step
	Result []byte
	Err    error
	Panic  any
	Gate   chan struct{}

	mu    sync.Mutex
	calls []Call
}

// Run implements compute.Computation.
func (s *Scripted) Run(ctx context.Context, input string, seed int64, onProgress compute.ProgressFunc) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Input: input, Seed: seed})
	s.mu.Unlock()

	for _, step := range s.Steps {
		onProgress(step.Index, step.Payload)
	}

	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.Panic != nil {
		panic(s.Panic)
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Result, nil
}

// Calls returns a copy of the recorded invocations in order.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many times Run was invoked.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Steps builds n steps with indices 1..n and payloads "step-<i>".
func Steps(n int) []compute.Step {
	steps := make([]compute.Step, n)
	for i := range steps {
		steps[i] = compute.Step{Index: i + 1, Payload: []byte("step-" + strconv.Itoa(i+1))}
	}
	return steps
}
