// Package supervisor implements the Supervisor (C8): a restart combinator
// for long-running components (the rollover driver, the dispatcher's
// heartbeat loop), built around a constructor + a restart policy, with no
// domain knowledge of its own. Grounded on other_examples/621d924e's
// functional-Option construction and slog logging idiom, deliberately
// stripped of its ground truth's business-rule evaluation — this
// supervisor only ever decides "restart or give up", never anything about
// the CFD domain.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Component is a long-running unit of work a Supervisor restarts on
// failure. It should return promptly once ctx is cancelled.
type Component func(ctx context.Context) error

// RestartPolicy decides whether to restart a failed component and how
// long to wait first. attempt is 1 on the first restart.
type RestartPolicy func(attempt int, err error) (restart bool, backoff time.Duration)

// AlwaysRestart retries forever with exponential backoff capped at max.
func AlwaysRestart(base, max time.Duration) RestartPolicy {
	return func(attempt int, err error) (bool, time.Duration) {
		d := base << uint(attempt-1)
		if d > max || d <= 0 {
			d = max
		}
		return true, d
	}
}

// RestartUpTo gives up after n consecutive restarts.
func RestartUpTo(n int, base, max time.Duration) RestartPolicy {
	always := AlwaysRestart(base, max)
	return func(attempt int, err error) (bool, time.Duration) {
		if attempt > n {
			return false, 0
		}
		return always(attempt, err)
	}
}

// Supervisor runs one named Component, restarting it per policy whenever
// it returns a non-nil error.
type Supervisor struct {
	name    string
	ctor    Component
	policy  RestartPolicy
	logger  *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates a Supervisor for ctor, restarted per policy. name is used
// only for logging.
func New(name string, ctor Component, policy RestartPolicy, opts ...Option) *Supervisor {
	s := &Supervisor{
		name:   name,
		ctor:   ctor,
		policy: policy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, running ctor and restarting it per policy, until ctx is
// cancelled or ctor returns nil (graceful, no-restart completion) or the
// policy gives up.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := s.ctor(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			s.logger.Info("supervisor: component exited cleanly", "component", s.name)
			return nil
		}

		attempt++
		restart, backoff := s.policy(attempt, err)
		if !restart {
			s.logger.Error("supervisor: giving up after repeated failures", "component", s.name, "attempt", attempt, "error", err)
			return fmt.Errorf("supervisor: %s: giving up after %d attempts: %w", s.name, attempt, err)
		}

		s.logger.Warn("supervisor: component failed, restarting", "component", s.name, "attempt", attempt, "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
