// Package saga runs a short sequence of steps against independent resources
// and undoes the completed ones, newest first, when a later step fails.
package saga

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Step is one forward action plus its compensation. Undo may be nil for the
// final step or for steps without side effects.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

// Error reports which step failed and how compensation went.
type Error struct {
	Step            string
	Err             error
	CompensationErr error // nil when every completed step was undone
}

func (e *Error) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("saga step %q: %v (compensation failed: %v)", e.Step, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("saga step %q: %v (compensated)", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Compensated reports whether all completed steps were rolled back.
func (e *Error) Compensated() bool { return e.CompensationErr == nil }

// Run executes steps in order. On the first failure it calls Undo on every
// completed step in reverse order and returns an *Error. A failing Undo does
// not stop the remaining ones; their errors are joined.
func Run(ctx context.Context, logger *zap.Logger, steps ...Step) error {
	for i, st := range steps {
		err := st.Do(ctx)
		if err == nil {
			continue
		}
		serr := &Error{Step: st.Name, Err: err}
		var undoErrs []error
		for j := i - 1; j >= 0; j-- {
			prev := steps[j]
			if prev.Undo == nil {
				continue
			}
			if uerr := prev.Undo(ctx); uerr != nil {
				undoErrs = append(undoErrs, fmt.Errorf("undo %s: %w", prev.Name, uerr))
				logger.Error("saga compensation failed",
					zap.String("step", prev.Name), zap.String("failed_step", st.Name), zap.Error(uerr))
			} else {
				logger.Warn("saga step compensated",
					zap.String("step", prev.Name), zap.String("failed_step", st.Name), zap.NamedError("cause", err))
			}
		}
		serr.CompensationErr = errors.Join(undoErrs...)
		return serr
	}
	return nil
}
