// Package formula evaluates free-text discount condition formulas in a
// sandboxed CEL environment. Formulas see a single `order` variable bound to
// a flattened order snapshot and must produce a boolean. Callers treat any
// error as "condition not satisfied": a broken formula must never grant a
// discount, and must never take down order processing.
package formula

import (
	"sync"

	"github.com/go-faster/errors"
	"github.com/google/cel-go/cel"
)

// ErrNotBool is returned when a formula evaluates to a non-boolean value.
var ErrNotBool = errors.New("formula result is not a boolean")

// costLimit caps the computational budget of a single evaluation so a
// pathological formula cannot stall a checkout request.
const costLimit = 100_000

// Evaluator compiles and runs condition formulas, caching compiled programs
// per formula text.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator creates an Evaluator with the standard formula environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("order", cel.DynType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create formula environment")
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate compiles the formula without running it. Used by discount field
// validation so malformed formulas are rejected at save time.
func (e *Evaluator) Validate(formula string) error {
	_, err := e.program(formula)
	return err
}

// EvaluateCondition runs the formula against the given order snapshot and
// returns its boolean result. Compile errors, eval errors, and non-boolean
// results all return an error; it is the caller's job to fail closed.
func (e *Evaluator) EvaluateCondition(formula string, orderSnapshot map[string]any) (bool, error) {
	prg, err := e.program(formula)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{"order": orderSnapshot})
	if err != nil {
		return false, errors.Wrap(err, "eval formula")
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, ErrNotBool
	}
	return result, nil
}

func (e *Evaluator) program(formula string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[formula]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[formula]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(formula)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrap(issues.Err(), "compile formula")
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "build formula program")
	}
	e.programs[formula] = prg
	return prg, nil
}
