// Package compute defines the contract between the job worker and the
// long-running generation backends it drives, plus the built-in backends.
package compute

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Step is one unit of intermediate output reported while a computation runs.
// Payload is opaque to the queue; the bundled backends emit PNG bytes.
type Step struct {
	Index   int    `json:"step"`
	Payload []byte `json:"image_base64"`
}

// ProgressFunc receives intermediate output. Backends call it zero or more
// times with increasing index before returning the final result.
type ProgressFunc func(index int, payload []byte)

// Computation performs the actual generation for one job.
//
// Implementations must be safe to call repeatedly from a single goroutine;
// the worker never runs two computations concurrently.
type Computation interface {
	Run(ctx context.Context, input string, seed int64, onProgress ProgressFunc) ([]byte, error)
}

// Func adapts an ordinary function to the Computation interface.
type Func func(ctx context.Context, input string, seed int64, onProgress ProgressFunc) ([]byte, error)

// Run calls f.
func (f Func) Run(ctx context.Context, input string, seed int64, onProgress ProgressFunc) ([]byte, error) {
	return f(ctx, input, seed, onProgress)
}

// PanicError is returned by Guard when the wrapped computation panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("computation panicked: %v", e.Value)
}

// Guard wraps c so that a panic inside Run is returned as a *PanicError
// instead of unwinding into the caller.
func Guard(c Computation) Computation {
	return Func(func(ctx context.Context, input string, seed int64, onProgress ProgressFunc) (result []byte, err error) {
		defer func() {
			if r := recover(); r != nil {
				result = nil
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return c.Run(ctx, input, seed, onProgress)
	})
}
