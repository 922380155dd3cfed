// Package degrade maps component identities to fallback operations and
// routes execution to the fallback when the primary path is unhealthy or
// fails. It never swallows an error into a default value: without a
// registered fallback the original error propagates unchanged.
package degrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrComponentUnhealthy is returned when a component is marked unhealthy and
// has no fallback registered.
var ErrComponentUnhealthy = errors.New("component unhealthy")

// Operation is a fallible unit of work routed by the controller.
type Operation func(ctx context.Context) ([]byte, error)

type component struct {
	healthy  bool
	fallback Operation
}

// Controller tracks per-component health and fallbacks. Components are
// created lazily on first reference and default to healthy.
type Controller struct {
	logger *slog.Logger

	mu         sync.Mutex
	components map[string]*component
}

// NewController creates an empty Controller.
func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		logger:     logger,
		components: make(map[string]*component),
	}
}

// RegisterFallback associates a fallback operation with a component.
func (c *Controller) RegisterFallback(id string, fallback Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.componentLocked(id).fallback = fallback
}

// MarkFailed flags a component so Execute skips its primary path.
func (c *Controller) MarkFailed(id string) {
	c.setHealthy(id, false)
}

// MarkHealthy restores a component's primary path.
func (c *Controller) MarkHealthy(id string) {
	c.setHealthy(id, true)
}

// Healthy reports the component's current flag. Unknown components are
// healthy.
func (c *Controller) Healthy(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	comp, ok := c.components[id]
	if !ok {
		return true
	}
	return comp.healthy
}

func (c *Controller) setHealthy(id string, healthy bool) {
	c.mu.Lock()
	comp := c.componentLocked(id)
	changed := comp.healthy != healthy
	comp.healthy = healthy
	c.mu.Unlock()

	if changed {
		if healthy {
			c.logger.Info("component recovered", "component", id)
		} else {
			c.logger.Warn("component degraded", "component", id)
		}
	}
}

func (c *Controller) componentLocked(id string) *component {
	comp, ok := c.components[id]
	if !ok {
		comp = &component{healthy: true}
		c.components[id] = comp
	}
	return comp
}

// Execute runs primary for a healthy component, falling back on failure.
// For an unhealthy component the primary is never invoked: the fallback runs
// directly, or ErrComponentUnhealthy is returned when none is registered.
func (c *Controller) Execute(ctx context.Context, id string, primary Operation) ([]byte, error) {
	return c.ExecuteWith(ctx, id, primary, nil)
}

// ExecuteWith is Execute with a caller-supplied fallback that takes
// precedence over the registered one. Used by callers whose fallback closes
// over per-call state.
func (c *Controller) ExecuteWith(ctx context.Context, id string, primary, fallback Operation) ([]byte, error) {
	c.mu.Lock()
	comp := c.componentLocked(id)
	healthy := comp.healthy
	if fallback == nil {
		fallback = comp.fallback
	}
	c.mu.Unlock()

	if !healthy {
		if fallback == nil {
			return nil, fmt.Errorf("%w: %s", ErrComponentUnhealthy, id)
		}
		c.logger.Debug("routing to fallback", "component", id)
		return fallback(ctx)
	}

	out, err := primary(ctx)
	if err == nil {
		return out, nil
	}
	if fallback == nil {
		return nil, err
	}

	c.logger.Warn("primary failed, using fallback", "component", id, "error", err)
	return fallback(ctx)
}
