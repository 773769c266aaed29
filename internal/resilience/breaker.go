// Package resilience guards calls to backends that may fail for a while,
// such as the decision database, so that a broken backend does not stall
// the caller on every attempt.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota
	// Open rejects calls with [ErrOpen] until the cool-down elapses.
	Open
	// HalfOpen lets a limited number of probe calls through.
	HalfOpen
)

// String returns the state name used in logs and health output.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults for [BreakerConfig] fields left at zero.
const (
	DefaultMaxFailures = 5
	DefaultCooldown    = 30 * time.Second
	DefaultProbes      = 1
)

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// Probes is the number of consecutive successful probes needed to close
	// a half-open breaker.
	Probes int

	// Now replaces the clock. Nil means [time.Now].
	Now func() time.Time

	// OnStateChange, if set, is called after every transition, without the
	// breaker's lock held.
	OnStateChange func(from, to State)
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probes      int
	now         func() time.Time
	onChange    func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int
	passed   int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = DefaultProbes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probes:      cfg.Probes,
		now:         cfg.Now,
		onChange:    cfg.OnStateChange,
	}
}

// Do calls fn unless the breaker is open. While half-open only one probe
// runs at a time; concurrent callers get [ErrOpen].
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probe, err)
	return err
}

// State reports the current state. An open breaker whose cool-down has
// elapsed reports [HalfOpen].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state, b.failures, b.inFlight, b.passed = Closed, 0, 0, 0
	b.mu.Unlock()
	b.notify(from, Closed)
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return false, ErrOpen
		}
		b.state, b.inFlight, b.passed = HalfOpen, 0, 0
	case HalfOpen:
		if b.inFlight > 0 {
			b.mu.Unlock()
			return false, ErrOpen
		}
	}
	probe = b.state == HalfOpen
	if probe {
		b.inFlight++
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return probe, nil
}

func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if probe {
		b.inFlight--
	}
	switch {
	case err != nil && probe:
		b.trip()
	case err != nil:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	case probe:
		b.passed++
		if b.passed >= b.probes {
			b.state, b.failures = Closed, 0
		}
	default:
		b.failures = 0
	}
	to, failures := b.state, b.failures
	b.mu.Unlock()

	if from != to {
		slog.Warn("breaker state changed", "name", b.name, "from", from, "to", to, "failures", failures)
	}
	b.notify(from, to)
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
