package transform

import (
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/bindrun/bindrun/pkg/schema"
)

// jqCache holds compiled jq programs keyed by expression. Compilation is
// deterministic, so caching does not affect transform purity.
var jqCache = struct {
	mu    sync.RWMutex
	codes map[string]*gojq.Code
}{codes: make(map[string]*gojq.Code)}

// JQ reshapes a resolved value with a jq expression.
//
// Args: expression, value. The expression runs sandboxed (no environment
// access). A single output is returned directly; multiple outputs are
// collected into a list.
func JQ(args []any) (any, error) {
	if len(args) != 2 {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"jq expects 2 args (expression, value), got %d", len(args))
	}

	expression, ok := args[0].(string)
	if !ok || expression == "" {
		return nil, schema.NewError(schema.ErrCodeTransform, "jq expression must be a non-empty string")
	}

	code, err := jqCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.Run(normalizeForJQ(args[1]))
	var results []any
	for {
		val, hasNext := iter.Next()
		if !hasNext {
			break
		}
		if evalErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeTransform,
				"jq evaluation failed for %q: %s", expression, evalErr.Error()).
				WithCause(evalErr).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// jqCompile returns a cached compiled program or compiles and caches one.
func jqCompile(expression string) (*gojq.Code, error) {
	jqCache.mu.RLock()
	if code, ok := jqCache.codes[expression]; ok {
		jqCache.mu.RUnlock()
		return code, nil
	}
	jqCache.mu.RUnlock()

	jqCache.mu.Lock()
	defer jqCache.mu.Unlock()

	if code, ok := jqCache.codes[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: empty env blocks $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	jqCache.codes[expression] = code
	return code, nil
}

// normalizeForJQ converts Go native types to jq-compatible types.
// jq only understands the JSON type set; json.Number and typed ints arrive
// from resolution and must become float64 or int.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, el := range val {
			out[k] = normalizeForJQ(el)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = normalizeForJQ(el)
		}
		return out
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	case int64:
		return int(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
