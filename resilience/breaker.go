// Package resilience provides the fault-tolerance wrappers that gate every
// call into unreliable subsystems: a circuit breaker that fails fast after
// repeated failures, and bounded exponential-backoff retry.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voicekit/voicecache/telemetry"
)

// ErrCircuitOpen is returned by Breaker.Do when the breaker is open and the
// wrapped operation was not invoked.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the breaker's current position.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds per-breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before permitting a
	// half-open trial call. Default: 30s.
	Cooldown time.Duration

	// Logger for state transitions.
	Logger *slog.Logger
}

// Breaker is a three-state circuit breaker guarding one operation kind.
// Breakers never share state across operation kinds: create one instance per
// guarded kind (voice loads, model downloads, synthesis).
//
// Closed → Open after FailureThreshold consecutive failures. Open → HalfOpen
// once the cooldown elapses; exactly one trial call runs, concurrent callers
// fail fast until it resolves. Trial success closes the breaker and resets
// the failure count; trial failure reopens it with a fresh cooldown.
type Breaker struct {
	name   string
	config BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	cooldownUntil time.Time
	trialInFlight bool
}

// NewBreaker creates a breaker for the named operation kind.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Breaker{
		name:   name,
		config: cfg,
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Name returns the guarded operation kind.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the breaker's current state. An open breaker whose cooldown
// has elapsed still reports open until the next Do admits the trial call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Do invokes fn unless the breaker is open. When open and the cooldown has
// not elapsed, Do returns ErrCircuitOpen without invoking fn. When the
// cooldown has elapsed, the first caller runs a single half-open trial;
// concurrent callers fail fast until the trial resolves.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.admit(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx)
	b.record(ctx, trial, err)
	return err
}

// admit decides whether the call may proceed, returning whether it is a
// half-open trial.
func (b *Breaker) admit(ctx context.Context) (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Before(b.cooldownUntil) {
			return false, ErrCircuitOpen
		}
		b.transition(ctx, StateHalfOpen)
		b.trialInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return false, ErrCircuitOpen
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, nil
}

// record applies the outcome of an admitted call.
func (b *Breaker) record(ctx context.Context, trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}

	if err == nil {
		if b.state == StateHalfOpen {
			b.transition(ctx, StateClosed)
		}
		b.failures = 0
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.config.FailureThreshold {
		b.cooldownUntil = b.now().Add(b.config.Cooldown)
		if b.state != StateOpen {
			b.transition(ctx, StateOpen)
		}
		b.logger.Warn("circuit breaker opened",
			"breaker", b.name,
			"failures", b.failures,
			"cooldown_until", b.cooldownUntil,
		)
	}
}

// transition moves the breaker to the given state. Caller must hold b.mu.
func (b *Breaker) transition(ctx context.Context, to State) {
	from := b.state
	b.state = to
	telemetry.RecordBreakerTransition(ctx, b.name, from.String(), to.String())
	b.logger.Debug("circuit breaker transition", "breaker", b.name, "from", from, "to", to)
}
