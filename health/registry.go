// Package health runs named liveness probes and aggregates their results.
// Probes run under a hard timeout so a hung dependency reports unhealthy
// instead of stalling the aggregate.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voicekit/voicecache/telemetry"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownCheck is returned when a check name is not registered.
	ErrUnknownCheck = errors.New("unknown health check")

	// ErrDuplicateCheck is returned when a name is registered twice.
	ErrDuplicateCheck = errors.New("health check already registered")

	// ErrProbeTimeout marks a probe that exceeded the registry timeout.
	ErrProbeTimeout = errors.New("health probe timed out")
)

// Probe reports the health of one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// Result is the outcome of one probe run.
type Result struct {
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Status is the serialisable aggregate across enabled checks.
type Status struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]Result `json:"checks"`
}

// Config holds registry configuration.
type Config struct {
	// Timeout bounds each probe run. Default: 5 seconds.
	Timeout time.Duration

	// Parallelism bounds concurrent probes in RunAll. Default: 4.
	Parallelism int

	// Logger for probe outcomes.
	Logger *slog.Logger
}

type check struct {
	name    string
	probe   Probe
	enabled bool
	last    *Result
}

// Registry holds named health checks.
type Registry struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	checks map[string]*check
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Registry{
		config: cfg,
		logger: cfg.Logger,
		now:    time.Now,
		checks: make(map[string]*check),
	}
}

// Register adds a named check, enabled by default.
func (r *Registry) Register(name string, probe Probe) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.checks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCheck, name)
	}
	r.checks[name] = &check{name: name, probe: probe, enabled: true}
	return nil
}

// Enable marks a check as participating in the aggregate.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable removes a check from the aggregate without deleting it or its
// last result.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.checks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCheck, name)
	}
	c.enabled = enabled
	return nil
}

// Run executes one check and records its result.
func (r *Registry) Run(ctx context.Context, name string) (Result, error) {
	r.mu.Lock()
	c, ok := r.checks[name]
	if !ok {
		r.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownCheck, name)
	}
	probe := c.probe
	r.mu.Unlock()

	result := r.runProbe(ctx, name, probe)

	r.mu.Lock()
	c.last = &result
	r.mu.Unlock()
	return result, nil
}

// RunAll executes every enabled check with bounded parallelism and returns
// the refreshed aggregate.
func (r *Registry) RunAll(ctx context.Context) Status {
	r.mu.Lock()
	names := make([]string, 0, len(r.checks))
	for name, c := range r.checks {
		if c.enabled {
			names = append(names, name)
		}
	}
	r.mu.Unlock()
	sort.Strings(names)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Parallelism)
	for _, name := range names {
		g.Go(func() error {
			_, _ = r.Run(gctx, name)
			return nil
		})
	}
	_ = g.Wait()

	return r.Status()
}

// Status aggregates the last results of enabled checks. Checks that have
// never run are omitted and do not affect the aggregate. The aggregate is
// healthy only when every included check is.
func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := Status{Healthy: true, Checks: make(map[string]Result)}
	for name, c := range r.checks {
		if !c.enabled || c.last == nil {
			continue
		}
		status.Checks[name] = *c.last
		if !c.last.Healthy {
			status.Healthy = false
		}
	}
	return status
}

// runProbe executes a probe under the registry timeout. The probe runs in
// its own goroutine so a probe that ignores its context still resolves to
// unhealthy instead of blocking the caller.
func (r *Registry) runProbe(ctx context.Context, name string, probe Probe) Result {
	start := r.now()
	pctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- probe(pctx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-pctx.Done():
		err = fmt.Errorf("%w after %s", ErrProbeTimeout, r.config.Timeout)
	}

	elapsed := r.now().Sub(start)
	result := Result{Healthy: err == nil, CheckedAt: start}
	if err != nil {
		result.Detail = err.Error()
		r.logger.Warn("health check failed", "check", name, "error", err, "elapsed", elapsed)
	}

	telemetry.RecordHealthCheck(ctx, name, result.Healthy, elapsed)
	return result
}
