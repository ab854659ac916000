// Package shutdown coordinates ordered teardown of daemon components.
// Components registered later shut down first (LIFO), so anything that
// depends on an earlier component stops before its dependency does.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Shutdowner is implemented by components participating in coordinated
// shutdown. Shutdown should respect the context deadline.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

type component struct {
	name       string
	shutdowner Shutdowner
}

// Coordinator shuts registered components down in reverse registration
// order.
type Coordinator struct {
	components []component
	logger     *slog.Logger
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.With(slog.String("component", "shutdown")),
	}
}

// Register adds a component. Registration order is dependency order:
// later registrations stop first.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.components = append(c.components, component{name: name, shutdowner: s})
}

// Shutdown stops every component, newest first, continuing past
// individual failures. Returns the first error encountered.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("starting shutdown", slog.Int("components", len(c.components)))

	var firstErr error
	for i := len(c.components) - 1; i >= 0; i-- {
		comp := c.components[i]

		select {
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown deadline exceeded at %s: %w", comp.name, ctx.Err())
			}
			return firstErr
		default:
		}

		start := time.Now()
		if err := comp.shutdowner.Shutdown(ctx); err != nil {
			c.logger.Error("component shutdown failed",
				slog.String("handler", comp.name),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to shutdown %s: %w", comp.name, err)
			}
			continue
		}
		c.logger.Info("component stopped",
			slog.String("handler", comp.name),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return firstErr
}
