// Package runtime holds the infrastructure-level sequencing used by the
// domain: multi-step persistence sequences with compensating actions.
package runtime

import (
	"chitchat/errors"
	"context"
	"fmt"
	"log/slog"
)

// Action is a single step or its compensation.
type Action func(ctx context.Context) error

type step struct {
	name       string
	do         Action
	compensate Action
}

// Saga runs steps in order. When a step fails, the compensations of the
// steps already completed run in reverse order, so a multi-step sequence
// is either fully applied or rolled back.
type Saga struct {
	name  string
	log   *slog.Logger
	steps []step
}

// StepError reports which step of which saga failed.
type StepError struct {
	Saga string
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: step %q failed: %v", e.Saga, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func NewSaga(name string, log *slog.Logger) *Saga {
	return &Saga{name: name, log: log}
}

// Step appends a step. compensate may be nil for steps with nothing to undo.
func (s *Saga) Step(name string, do, compensate Action) *Saga {
	s.steps = append(s.steps, step{name: name, do: do, compensate: compensate})
	return s
}

// Run returns nil when every step succeeded. Otherwise the returned error
// wraps a *StepError, joined with any compensation failure.
func (s *Saga) Run(ctx context.Context) error {
	for i, st := range s.steps {
		if err := st.do(ctx); err != nil {
			failure := &StepError{Saga: s.name, Step: st.name, Err: err}
			s.log.Warn("Saga step failed, compensating", "saga", s.name, "step", st.name, "error", err)
			return errors.Join(failure, s.compensate(ctx, i-1))
		}
	}
	return nil
}

// compensate undoes steps [0, last] even if ctx was cancelled meanwhile.
func (s *Saga) compensate(ctx context.Context, last int) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := last; i >= 0; i-- {
		st := s.steps[i]
		if st.compensate == nil {
			continue
		}
		if err := st.compensate(ctx); err != nil {
			s.log.Error("Compensation failed", "saga", s.name, "step", st.name, "error", err)
			errs = append(errs, fmt.Errorf("compensate %q: %w", st.name, err))
		}
	}
	return errors.Join(errs...)
}
