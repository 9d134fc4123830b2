package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := New("callbacks.example.com", cfg)
	b.now = clock.Now
	return b, clock
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Threshold: -1, Cooldown: 0})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Fatalf("expected closed after 4 failures (default threshold 5), got %s", b.State())
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open after 5 failures, got %s", b.State())
	}
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{Threshold: 2, Cooldown: time.Minute})

	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("expected requests allowed below threshold")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("expected requests blocked once open")
	}

	clock.Advance(2 * time.Minute)
	if !b.Allow() {
		t.Fatal("expected a trial request after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != Closed || b.Failures() != 0 {
		t.Fatalf("expected closed with no failures, got %s/%d", b.State(), b.Failures())
	}
}

func TestBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{Threshold: 1, Cooldown: time.Second})

	b.RecordFailure()
	clock.Advance(2 * time.Second)

	if !b.Allow() {
		t.Fatal("expected first trial request to be allowed")
	}
	if b.Allow() {
		t.Fatal("expected concurrent trial request to be rejected")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected failed trial to reopen, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("expected blocked immediately after reopening")
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	type transition struct{ from, to State }
	var got []transition
	b, clock := newTestBreaker(Config{
		Threshold: 1,
		Cooldown:  time.Second,
		OnStateChange: func(name string, from, to State) {
			if name != "callbacks.example.com" {
				t.Errorf("unexpected breaker name %q", name)
			}
			got = append(got, transition{from, to})
		},
	})

	b.RecordFailure()
	clock.Advance(2 * time.Second)
	b.Allow()
	b.RecordSuccess()
	b.RecordSuccess() // no transition

	want := []transition{{Closed, Open}, {Open, HalfOpen}, {HalfOpen, Closed}}
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s->%s, want %s->%s", i, got[i].from, got[i].to, want[i].from, want[i].to)
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[State]string{
		Closed:    "closed",
		Open:      "open",
		HalfOpen:  "half-open",
		State(42): "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestRegistry_GetAndStats(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Hour}, 0)

	a := r.Get("a.example.com")
	if r.Get("a.example.com") != a {
		t.Fatal("expected the same breaker for the same key")
	}
	r.Get("b.example.com")
	a.RecordFailure()

	stats := r.Stats()
	if stats.Total != 2 || stats.Open != 1 || stats.Closed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if got := r.OpenKeys(); len(got) != 1 || got[0] != "a.example.com" {
		t.Errorf("OpenKeys() = %v, want [a.example.com]", got)
	}
}

func TestRegistry_LimitEvictsOnlyIdleBreakers(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 3, Cooldown: time.Hour}, 3)

	failing := r.Get("failing")
	failing.RecordFailure()
	open := r.Get("open")
	for range 3 {
		open.RecordFailure()
	}
	idle := r.Get("idle")

	r.Get("new")

	stats := r.Stats()
	if stats.Total != 3 {
		t.Fatalf("expected idle breaker evicted, stats %+v", stats)
	}
	if r.Get("failing") != failing || r.Get("open") != open {
		t.Error("breakers with failures must survive eviction")
	}
	if r.Get("idle") == idle {
		t.Error("expected a fresh breaker for the evicted key")
	}
	if got := r.OpenKeys(); len(got) != 1 || got[0] != "open" {
		t.Errorf("OpenKeys() = %v, want [open]", got)
	}
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry(DefaultConfig(), 0)

	var wg sync.WaitGroup
	results := make([]*Breaker, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for _, b := range results {
		if b != results[0] {
			t.Fatal("expected all goroutines to share one breaker")
		}
	}
}
