// Package sandbox provides runners that execute a version's source text.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Runner executes source and returns what it printed.
type Runner interface {
	Run(ctx context.Context, source string) (string, error)
}

type RunnerFunc func(ctx context.Context, source string) (string, error)

func (f RunnerFunc) Run(ctx context.Context, source string) (string, error) {
	return f(ctx, source)
}

var ErrTimeout = errors.New("sandbox timeout")

type timeoutRunner struct {
	next    Runner
	timeout time.Duration
}

// WithTimeout bounds every Run call. A non-positive timeout returns next unchanged.
func WithTimeout(next Runner, timeout time.Duration) Runner {
	if timeout <= 0 {
		return next
	}
	return &timeoutRunner{next: next, timeout: timeout}
}

func (t *timeoutRunner) Run(ctx context.Context, source string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.next.Run(ctx, source)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("%w after %s: %v", ErrTimeout, t.timeout, err)
	}
	return out, err
}
