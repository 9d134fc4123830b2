package job

import (
	"context"
	"errors"
	"sdqueue/internal/compute"
	"sdqueue/internal/dispatcher"
	"sdqueue/internal/testutil"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eventuallyWait = 5 * time.Second
	eventuallyTick = 5 * time.Millisecond
)

type harness struct {
	store   *Store
	queue   *Queue
	worker  *Worker
	service *Service
}

func newHarness(t *testing.T, c compute.Computation, opts WorkerOptions) *harness {
	t.Helper()
	store := NewStore()
	queue := NewQueue()
	worker := NewWorker(store, queue, c, opts)
	require.NoError(t, worker.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = worker.Stop(ctx)
	})
	return &harness{
		store:   store,
		queue:   queue,
		worker:  worker,
		service: NewService(store, queue, worker, opts.Metrics),
	}
}

func (h *harness) submit(t *testing.T, key, input string) {
	t.Helper()
	_, err := h.service.Submit(context.Background(), &SubmitRequest{Key: key, Input: input})
	require.NoError(t, err)
}

func (h *harness) waitStatus(t *testing.T, key string, want Status) Record {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, ok := h.store.Get(key)
		return ok && rec.Status == want
	}, eventuallyWait, eventuallyTick, "job %s never reached %s", key, want)
	rec, _ := h.store.Get(key)
	return rec
}

func TestWorker_ProcessesInSubmissionOrder(t *testing.T) {
	t.Parallel()
	comp := &testutil.Scripted{Steps: testutil.Steps(2), Result: []byte("png")}
	h := newHarness(t, comp, WorkerOptions{})

	for _, key := range []string{"first", "second", "third"} {
		h.submit(t, key, "prompt "+key)
	}
	h.waitStatus(t, "third", StatusDone)

	calls := comp.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "prompt first", calls[0].Input)
	assert.Equal(t, "prompt second", calls[1].Input)
	assert.Equal(t, "prompt third", calls[2].Input)
}

func TestWorker_DoneRecordCarriesResult(t *testing.T) {
	t.Parallel()
	comp := &testutil.Scripted{Steps: testutil.Steps(3), Result: []byte("final-png")}
	h := newHarness(t, comp, WorkerOptions{})

	h.submit(t, "job", "a lighthouse at dusk")
	rec := h.waitStatus(t, "job", StatusDone)

	require.Len(t, rec.Steps, 3)
	for i, step := range rec.Steps {
		assert.Equal(t, i+1, step.Index)
	}
	assert.Equal(t, "final-png", string(rec.Final))
	require.NotNil(t, rec.Seed)
	assert.Equal(t, comp.Calls()[0].Seed, *rec.Seed)
	assert.GreaterOrEqual(t, *rec.Seed, int64(0))
	assert.LessOrEqual(t, *rec.Seed, int64(1<<31-1))
	assert.Empty(t, rec.Error)
	assert.NotZero(t, rec.CompletedSeq)
}

func TestWorker_ProgressVisibleWhileProcessing(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	comp := &testutil.Scripted{Steps: testutil.Steps(2), Result: []byte("png"), Gate: gate}
	h := newHarness(t, comp, WorkerOptions{})

	h.submit(t, "job", "prompt")
	require.Eventually(t, func() bool {
		rec, _ := h.store.Get("job")
		return rec.Status == StatusProcessing && len(rec.Steps) == 2
	}, eventuallyWait, eventuallyTick)

	status, err := h.service.Status(context.Background(), "job")
	require.NoError(t, err)
	assert.Nil(t, status.Final)
	assert.Nil(t, status.Seed)

	close(gate)
	h.waitStatus(t, "job", StatusDone)
}

// pollSteps polls Status for key until the job is terminal and counts how
// often the step list got shorter than the previous poll.
func pollSteps(h *harness, key string) (shrinks *atomic.Int32, done <-chan struct{}) {
	shrinks = &atomic.Int32{}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		prev := 0
		for {
			status, err := h.service.Status(context.Background(), key)
			if err == nil {
				if len(status.Steps) < prev {
					shrinks.Add(1)
				}
				prev = len(status.Steps)
				if status.Status.Terminal() {
					return
				}
			}
		}
	}()
	return shrinks, finished
}

func TestWorker_ProgressNeverShrinksBetweenPolls(t *testing.T) {
	t.Parallel()
	const steps = 6
	next := make(chan struct{})
	comp := compute.Func(func(ctx context.Context, _ string, _ int64, onProgress compute.ProgressFunc) ([]byte, error) {
		for i := 1; i <= steps; i++ {
			select {
			case <-next:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			onProgress(i, []byte("step-"+strconv.Itoa(i)))
		}
		return []byte("png"), nil
	})
	h := newHarness(t, comp, WorkerOptions{})

	h.submit(t, "job", "prompt")
	h.waitStatus(t, "job", StatusProcessing)
	shrinks, done := pollSteps(h, "job")

	for i := 1; i <= steps; i++ {
		next <- struct{}{}
		require.Eventually(t, func() bool {
			status, err := h.service.Status(context.Background(), "job")
			return err == nil && len(status.Steps) >= i
		}, eventuallyWait, eventuallyTick, "step %d never published", i)
	}

	select {
	case <-done:
	case <-time.After(eventuallyWait):
		t.Fatal("poller never saw the job finish")
	}
	assert.Zero(t, shrinks.Load())
	assert.Len(t, h.waitStatus(t, "job", StatusDone).Steps, steps)
}

func TestWorker_ConcurrentProgressReportsNeverShrink(t *testing.T) {
	t.Parallel()
	const reporters, perReporter = 8, 25
	start := make(chan struct{})
	comp := compute.Func(func(_ context.Context, _ string, _ int64, onProgress compute.ProgressFunc) ([]byte, error) {
		<-start
		var wg sync.WaitGroup
		for r := range reporters {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perReporter {
					onProgress(r*perReporter+i+1, nil)
				}
			}()
		}
		wg.Wait()
		return []byte("png"), nil
	})
	h := newHarness(t, comp, WorkerOptions{})

	h.submit(t, "job", "prompt")
	h.waitStatus(t, "job", StatusProcessing)
	shrinks, done := pollSteps(h, "job")
	close(start)

	rec := h.waitStatus(t, "job", StatusDone)
	<-done
	assert.Zero(t, shrinks.Load())
	require.Len(t, rec.Steps, reporters*perReporter)
	for i, step := range rec.Steps {
		assert.Equal(t, i+1, step.Index)
	}
}

func TestWorker_SortsStepsBeforeFinalizing(t *testing.T) {
	t.Parallel()
	comp := &testutil.Scripted{
		Steps: []compute.Step{
			{Index: 3, Payload: []byte("c")},
			{Index: 1, Payload: []byte("a")},
			{Index: 2, Payload: []byte("b")},
		},
		Result: []byte("png"),
	}
	h := newHarness(t, comp, WorkerOptions{})

	h.submit(t, "job", "prompt")
	rec := h.waitStatus(t, "job", StatusDone)

	require.Len(t, rec.Steps, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{rec.Steps[0].Index, rec.Steps[1].Index, rec.Steps[2].Index})
	assert.Equal(t, "a", string(rec.Steps[0].Payload))
}

func TestWorker_FailuresAreRecordedAndLoopContinues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		comp    *testutil.Scripted
		wantErr string
	}{
		{"error", &testutil.Scripted{Steps: testutil.Steps(1), Err: errors.New("out of memory")}, "out of memory"},
		{"panic", &testutil.Scripted{Panic: "boom"}, "computation panicked: boom"},
		{"empty result", &testutil.Scripted{}, "computation produced no output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ok := &testutil.Scripted{Result: []byte("png")}
			comp := compute.Func(func(ctx context.Context, input string, seed int64, p compute.ProgressFunc) ([]byte, error) {
				if input == "bad" {
					return tt.comp.Run(ctx, input, seed, p)
				}
				return ok.Run(ctx, input, seed, p)
			})
			h := newHarness(t, comp, WorkerOptions{})

			h.submit(t, "bad-job", "bad")
			h.submit(t, "good-job", "good")

			rec := h.waitStatus(t, "bad-job", StatusError)
			assert.Equal(t, tt.wantErr, rec.Error)
			assert.Nil(t, rec.Seed)
			assert.Nil(t, rec.Final)

			h.waitStatus(t, "good-job", StatusDone)
			stats := h.worker.Stats()
			assert.Equal(t, int64(1), stats.Failed)
			assert.Equal(t, int64(1), stats.Succeeded)
		})
	}
}

func TestWorker_SkipsDeletedKeys(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	comp := &testutil.Scripted{Result: []byte("png"), Gate: gate}
	h := newHarness(t, comp, WorkerOptions{})

	h.submit(t, "blocking", "prompt")
	h.waitStatus(t, "blocking", StatusProcessing)

	h.submit(t, "doomed", "prompt")
	require.True(t, h.store.Delete("doomed"))
	close(gate)

	h.waitStatus(t, "blocking", StatusDone)
	require.Eventually(t, func() bool {
		return h.worker.Stats().Skipped == 1
	}, eventuallyWait, eventuallyTick)

	assert.Equal(t, 1, comp.CallCount())
	_, ok := h.store.Get("doomed")
	assert.False(t, ok, "stale descriptor must not recreate the record")
}

func TestWorker_AppliesRetentionAfterEachJob(t *testing.T) {
	t.Parallel()
	comp := &testutil.Scripted{Result: []byte("png")}
	h := newHarness(t, comp, WorkerOptions{
		Retention: NewRetention(RetentionConfig{MaxCompleted: 2}, nil),
	})

	for _, key := range []string{"z-first", "a-second", "m-third", "b-fourth"} {
		h.submit(t, key, "prompt")
		h.waitStatus(t, key, StatusDone)
	}
	require.Eventually(t, func() bool {
		return len(h.store.Keys(StatusDone)) == 2
	}, eventuallyWait, eventuallyTick)

	assert.ElementsMatch(t, []string{"m-third", "b-fourth"}, h.store.Keys(StatusDone))
	_, err := h.service.Status(context.Background(), "z-first")
	assert.Error(t, err)
}

func TestWorker_StopWaitsForInFlightJob(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	comp := &testutil.Scripted{Result: []byte("png"), Gate: gate}
	h := newHarness(t, comp, WorkerOptions{})

	h.submit(t, "inflight", "prompt")
	h.submit(t, "pending", "prompt")
	h.waitStatus(t, "inflight", StatusProcessing)

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventuallyWait)
		defer cancel()
		stopped <- h.worker.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return !h.worker.Accepting() }, eventuallyWait, eventuallyTick)
	close(gate)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(eventuallyWait):
		t.Fatal("Stop did not return")
	}

	rec, _ := h.store.Get("inflight")
	assert.Equal(t, StatusDone, rec.Status)
	rec, _ = h.store.Get("pending")
	assert.Equal(t, StatusQueued, rec.Status, "queued work is abandoned on stop")
	assert.ErrorIs(t, h.worker.Ready(context.Background()), ErrWorkerNotRunning)
}

func TestWorker_StopDeadlineCancelsComputation(t *testing.T) {
	t.Parallel()
	comp := &testutil.Scripted{Result: []byte("png"), Gate: make(chan struct{})}
	h := newHarness(t, comp, WorkerOptions{})

	h.submit(t, "stuck", "prompt")
	h.waitStatus(t, "stuck", StatusProcessing)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.worker.Stop(ctx), context.DeadlineExceeded)

	rec := h.waitStatus(t, "stuck", StatusError)
	assert.Contains(t, rec.Error, "context canceled")
	<-h.worker.Done()
}

func TestWorker_StartTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &testutil.Scripted{Result: []byte("png")}, WorkerOptions{})
	assert.Error(t, h.worker.Start(context.Background()))
	assert.NoError(t, h.worker.Ready(context.Background()))
}

// recordingDispatcher captures dispatched events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []*dispatcher.Event
}

func (d *recordingDispatcher) Dispatch(e *dispatcher.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return nil
}

func (d *recordingDispatcher) Stats() dispatcher.Stats         { return dispatcher.Stats{} }
func (d *recordingDispatcher) Close(ctx context.Context) error { return nil }

func (d *recordingDispatcher) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	types := make([]string, len(d.events))
	for i, e := range d.events {
		types[i] = e.Payload.Type
	}
	return types
}

func TestWorker_NotifiesCallbacks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		comp   *testutil.Scripted
		events []string
		want   []string
	}{
		{
			name: "all events",
			comp: &testutil.Scripted{Steps: testutil.Steps(2), Result: []byte("png")},
			want: []string{EventTypeStart, EventTypeProgress, EventTypeProgress, EventTypeDone},
		},
		{
			name:   "filtered",
			comp:   &testutil.Scripted{Steps: testutil.Steps(2), Result: []byte("png")},
			events: []string{EventTypeDone},
			want:   []string{EventTypeDone},
		},
		{
			name:   "error",
			comp:   &testutil.Scripted{Err: errors.New("boom")},
			events: []string{EventTypeStart, EventTypeError},
			want:   []string{EventTypeStart, EventTypeError},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := &recordingDispatcher{}
			h := newHarness(t, tt.comp, WorkerOptions{Notifier: NewNotifier(d)})

			_, err := h.service.Submit(context.Background(), &SubmitRequest{
				Key:      "job",
				Input:    "prompt",
				Callback: &Callback{URL: "https://hooks.example.com/sd", Events: tt.events, Key: "secret"},
			})
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				rec, _ := h.store.Get("job")
				return rec.Status.Terminal()
			}, eventuallyWait, eventuallyTick)
			require.Eventually(t, func() bool { return len(d.types()) == len(tt.want) }, eventuallyWait, eventuallyTick)
			assert.Equal(t, tt.want, d.types())

			d.mu.Lock()
			defer d.mu.Unlock()
			for _, e := range d.events {
				assert.Equal(t, "https://hooks.example.com/sd", e.Destination)
				assert.Equal(t, "secret", e.SigningKey)
				assert.Equal(t, "job", e.Payload.Subject)
			}
		})
	}
}
