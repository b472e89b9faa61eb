package transform

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/bindrun/bindrun/pkg/schema"
)

// exprCache holds compiled expr programs keyed by expression.
var exprCache = struct {
	mu    sync.RWMutex
	progs map[string]*vm.Program
}{progs: make(map[string]*vm.Program)}

// Expr evaluates an expr-lang expression over a resolved value.
//
// Args: expression, value. The value is bound as the top-level variable
// `value`. Supports filter/map/sum pipelines, string operations, nil
// coalescing, and optional chaining.
func Expr(args []any) (any, error) {
	if len(args) != 2 {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"expr expects 2 args (expression, value), got %d", len(args))
	}

	expression, ok := args[0].(string)
	if !ok || expression == "" {
		return nil, schema.NewError(schema.ErrCodeTransform, "expr expression must be a non-empty string")
	}

	prg, err := exprCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, map[string]any{"value": args[1]})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// exprCompile returns a cached compiled program or compiles and caches one.
func exprCompile(expression string) (*vm.Program, error) {
	exprCache.mu.RLock()
	if prg, ok := exprCache.progs[expression]; ok {
		exprCache.mu.RUnlock()
		return prg, nil
	}
	exprCache.mu.RUnlock()

	exprCache.mu.Lock()
	defer exprCache.mu.Unlock()

	if prg, ok := exprCache.progs[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	exprCache.progs[expression] = prg
	return prg, nil
}
