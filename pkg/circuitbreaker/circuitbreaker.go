// Package circuitbreaker sheds calls to a failing dependency until it has
// had time to recover.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the guarded function while the breaker
// is open or its half-open probe slots are taken.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold half-open successes close it again.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// MaxProbes bounds concurrent calls while half-open.
	MaxProbes int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         10 * time.Second,
		MaxProbes:        1,
	}
}

type Stats struct {
	State       State
	Failures    int
	Successes   int
	Rejected    uint64
	LastFailure time.Time
	ChangedAt   time.Time
}

type Breaker struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	rejected  uint64
	lastFail  time.Time
	changedAt time.Time

	onChange func(from, to State)
}

func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = def.MaxProbes
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.changedAt = b.now()
	return b
}

// OnStateChange registers fn to run on every transition. fn is called with
// the breaker's lock released, on the goroutine that caused the change.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Do runs fn through the breaker. A cancelled ctx is returned as-is and is
// not counted against the dependency.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute is Do for functions that produce a value.
func Execute[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if err := b.acquire(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	switch {
	case err == nil:
		b.record(true)
	case errors.Is(err, context.Canceled):
		b.release()
	default:
		b.record(false)
	}
	return v, err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if b.state == StateOpen {
		if b.now().Sub(b.changedAt) < b.cfg.Cooldown {
			b.rejected++
			return ErrOpen
		}
		change = b.transition(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.MaxProbes {
			b.rejected++
			return ErrOpen
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	var change func()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	if ok {
		b.failures = 0
		b.successes++
		if b.state == StateHalfOpen && b.successes >= b.cfg.SuccessThreshold {
			change = b.transition(StateClosed)
		}
	} else {
		b.successes = 0
		b.failures++
		b.lastFail = b.now()
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			change = b.transition(StateOpen)
		}
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

// transition must be called with mu held; it returns the callback to invoke
// after unlocking, or nil.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.changedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.probes = 0

	fn := b.onChange
	if fn == nil {
		return nil
	}
	return func() { fn(from, to) }
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		Rejected:    b.rejected,
		LastFailure: b.lastFail,
		ChangedAt:   b.changedAt,
	}
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.transition(StateClosed)
	b.failures = 0
	b.successes = 0
	b.mu.Unlock()
	if change != nil {
		change()
	}
}
