// Package expressions evaluates step condition guards. Conditions are CEL
// expressions over the outputs of already-completed steps; a condition that
// evaluates to false skips the step intentionally, without failing the run.
package expressions

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/bindrun/bindrun/pkg/schema"
)

// CELEvaluator compiles and evaluates step conditions. Thread-safe:
// compiled programs are cached and reused across goroutines.
type CELEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEvaluator creates a sandboxed CEL environment. Two top-level
// variables are exposed:
//   - steps: map(string, dyn) of recorded outputs keyed by step ID
//   - run:   map(string, dyn) of run metadata (run_id, spec name)
func NewCELEvaluator() (*CELEvaluator, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("steps", mapType),
		cel.Variable("run", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// EvaluateBool evaluates a condition against the provided scope and coerces
// the result to a boolean. Non-boolean results are a validation error: a
// condition must decide, not compute.
func (e *CELEvaluator) EvaluateBool(expression string, scope map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, scope)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q evaluated to %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// Evaluate compiles (or retrieves from cache) an expression and evaluates it
// against the provided scope.
func (e *CELEvaluator) Evaluate(expression string, scope map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(buildActivation(scope))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// Check compiles an expression without evaluating it. Used by validation to
// reject uncompilable conditions before any execution begins.
func (e *CELEvaluator) Check(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// getOrCompile returns a cached compiled program or compiles and caches one.
func (e *CELEvaluator) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation fills missing scope keys with empty maps to prevent CEL
// runtime nil-ref errors.
func buildActivation(scope map[string]any) map[string]any {
	activation := make(map[string]any, 2)
	for _, key := range []string{"steps", "run"} {
		if v, ok := scope[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}
