package resilience_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/internal/resilience"
)

var errBackend = errors.New("backend down")

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

func newBreaker(t *testing.T, maxFailures, probes int) (*resilience.Breaker, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "test",
		MaxFailures: maxFailures,
		Cooldown:    time.Second,
		Probes:      probes,
		Now:         clk.Now,
	})
	return b, clk
}

func fail() error { return errBackend }
func ok() error   { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t, 3, 1)

	for i := range 3 {
		if err := b.Do(fail); !errors.Is(err, errBackend) {
			t.Fatalf("call %d err = %v, want %v", i, err, errBackend)
		}
	}
	if got := b.State(); got != resilience.Open {
		t.Fatalf("State() = %v, want open", got)
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("Do on open breaker err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn ran while breaker was open")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t, 3, 1)

	_ = b.Do(fail)
	_ = b.Do(fail)
	_ = b.Do(ok)
	_ = b.Do(fail)
	_ = b.Do(fail)
	if got := b.State(); got != resilience.Closed {
		t.Fatalf("State() = %v, want closed", got)
	}
}

func TestBreaker_HalfOpenProbes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		probe func() error
		want  resilience.State
	}{
		{name: "probe succeeds", probe: ok, want: resilience.Closed},
		{name: "probe fails", probe: fail, want: resilience.Open},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, clk := newBreaker(t, 1, 1)
			_ = b.Do(fail)

			clk.Advance(time.Second)
			if got := b.State(); got != resilience.HalfOpen {
				t.Fatalf("State() after cooldown = %v, want half-open", got)
			}
			_ = b.Do(tt.probe)
			if got := b.State(); got != tt.want {
				t.Fatalf("State() after probe = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreaker_NeedsAllProbes(t *testing.T) {
	t.Parallel()
	b, clk := newBreaker(t, 1, 2)
	_ = b.Do(fail)
	clk.Advance(time.Second)

	_ = b.Do(ok)
	if got := b.State(); got != resilience.HalfOpen {
		t.Fatalf("State() after one probe = %v, want half-open", got)
	}
	_ = b.Do(ok)
	if got := b.State(); got != resilience.Closed {
		t.Fatalf("State() after two probes = %v, want closed", got)
	}
}

func TestBreaker_OneProbeAtATime(t *testing.T) {
	t.Parallel()
	b, clk := newBreaker(t, 1, 1)
	_ = b.Do(fail)
	clk.Advance(time.Second)

	err := b.Do(func() error {
		if err := b.Do(ok); !errors.Is(err, resilience.ErrOpen) {
			t.Errorf("concurrent probe err = %v, want ErrOpen", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("probe err = %v", err)
	}
}

func TestBreaker_ResetAndStateChanges(t *testing.T) {
	t.Parallel()
	var (
		mu          sync.Mutex
		transitions []string
	)
	b := resilience.NewBreaker(resilience.BreakerConfig{
		MaxFailures: 1,
		Cooldown:    time.Hour,
		OnStateChange: func(from, to resilience.State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	_ = b.Do(fail)
	b.Reset()
	if got := b.State(); got != resilience.Closed {
		t.Fatalf("State() after Reset = %v, want closed", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    resilience.State
		want string
	}{
		{resilience.Closed, "closed"},
		{resilience.Open, "open"},
		{resilience.HalfOpen, "half-open"},
		{resilience.State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
