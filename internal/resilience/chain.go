package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend of a [Chain] failed or was
// skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

type link[T any] struct {
	name    string
	backend T
	breaker *Breaker
}

// Chain holds a primary backend and its fallbacks, each behind its own
// [Breaker]. Backends are tried in the order they were added.
type Chain[T any] struct {
	cfg   BreakerConfig
	links []link[T]
}

// NewChain returns a chain whose first backend is primary. cfg is the
// template for every backend's breaker; its Name is replaced by the
// backend's name.
func NewChain[T any](primaryName string, primary T, cfg BreakerConfig) *Chain[T] {
	c := &Chain[T]{cfg: cfg}
	c.Add(primaryName, primary)
	return c
}

// Add appends a fallback backend. Add must not be called concurrently with
// [Do].
func (c *Chain[T]) Add(name string, backend T) {
	cfg := c.cfg
	cfg.Name = name
	c.links = append(c.links, link[T]{name: name, backend: backend, breaker: NewBreaker(cfg)})
}

// Len returns the number of backends.
func (c *Chain[T]) Len() int { return len(c.links) }

// Primary returns the first backend.
func (c *Chain[T]) Primary() T { return c.links[0].backend }

// Breaker returns the breaker of the named backend, or nil.
func (c *Chain[T]) Breaker(name string) *Breaker {
	for _, l := range c.links {
		if l.name == name {
			return l.breaker
		}
	}
	return nil
}

// Do calls fn with each backend in turn until one succeeds. When ctx ends
// the chain stops and returns the context error instead of trying further
// backends. Go has no method type parameters, hence the package function.
func Do[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, l := range c.links {
		var out R
		err := l.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, l.backend)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend with open circuit", "backend", l.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", l.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
