package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/bindrun/bindrun/internal/paths"
	"github.com/bindrun/bindrun/internal/transform"
	"github.com/bindrun/bindrun/pkg/schema"
)

// Resolver turns a step's declared input sources into concrete values at
// dispatch time. Placeholders read from the result store; transform sources
// resolve their arguments recursively and then apply the registered function.
type Resolver struct {
	store      *ResultStore
	transforms *transform.Registry
}

// NewResolver creates a Resolver over a store and a transform registry.
func NewResolver(store *ResultStore, transforms *transform.Registry) *Resolver {
	return &Resolver{store: store, transforms: transforms}
}

// ResolveInputs resolves every input of a step. Fields resolve in lexical
// order so that the first error reported is deterministic.
func (r *Resolver) ResolveInputs(ctx context.Context, step *schema.Step) (map[string]any, error) {
	if len(step.Inputs) == 0 {
		return map[string]any{}, nil
	}

	names := make([]string, 0, len(step.Inputs))
	for name := range step.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := make(map[string]any, len(names))
	for _, name := range names {
		value, err := r.Resolve(ctx, step.Inputs[name])
		if err != nil {
			if berr, ok := err.(*schema.Error); ok && berr.StepID == "" {
				berr.WithStep(step.ID)
			}
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"resolve input %q: %s", name, err.Error()).
				WithStep(step.ID).
				WithCause(err)
		}
		resolved[name] = value
	}
	return resolved, nil
}

// Resolve evaluates one ValueSource tree.
func (r *Resolver) Resolve(ctx context.Context, src schema.ValueSource) (any, error) {
	switch src.Kind {
	case schema.SourceLiteral:
		return src.Literal, nil

	case schema.SourcePlaceholder:
		return r.resolvePlaceholder(ctx, src)

	case schema.SourceTransform:
		args := make([]any, 0, len(src.Args))
		for _, argSrc := range src.Args {
			arg, err := r.Resolve(ctx, argSrc)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
		}
		fn, err := r.transforms.Get(src.Transform)
		if err != nil {
			return nil, err
		}
		return fn(args)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"unknown value source kind %q", src.Kind)
	}
}

// resolvePlaceholder reads a recorded output. The first path segment names
// the declared output; any remaining segments traverse into its value.
func (r *Resolver) resolvePlaceholder(ctx context.Context, src schema.ValueSource) (any, error) {
	outputs, err := r.store.Await(ctx, src.From)
	if err != nil {
		return nil, err
	}

	outputName, rest := splitPath(src.Path)
	value, ok := outputs[outputName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMissingOutput,
			"step %q recorded no output named %q", src.From, outputName).
			WithDetails(map[string]any{"from": src.From, "path": src.Path})
	}
	if rest == "" {
		return value, nil
	}

	nested, ok := paths.ExtractFrom(value, rest)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMissingOutput,
			"path %q does not resolve within output %q of step %q", rest, outputName, src.From).
			WithDetails(map[string]any{"from": src.From, "path": src.Path})
	}
	return nested, nil
}

// splitPath separates the output name from the remaining traversal path.
func splitPath(path string) (output, rest string) {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}
