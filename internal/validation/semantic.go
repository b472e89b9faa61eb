package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/bindrun/bindrun/pkg/schema"
)

// TransformLookup answers whether a transform name is registered. Satisfied
// by transform.Registry; an interface here keeps validation free of a
// dependency on the registry implementation.
type TransformLookup interface {
	Has(name string) bool
}

// ConditionChecker compiles a step condition expression, returning an error
// if it will not evaluate. Satisfied by the expressions evaluator; nil is
// acceptable and disables condition checking.
type ConditionChecker interface {
	Check(expression string) error
}

// validateSemantic applies every semantic rule to a structurally valid spec,
// accumulating all violations rather than stopping at the first.
func validateSemantic(spec *schema.Spec, transforms TransformLookup, conditions ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if spec.Timeout != "" {
		if _, err := time.ParseDuration(spec.Timeout); err != nil {
			result.AddError("timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", spec.Timeout))
		}
	}

	// Pass 1: collect IDs so later passes can resolve forward references.
	ids := make(map[string]int, len(spec.Steps))
	for i, step := range spec.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if step.ID == "" {
			result.AddError(path+".id", schema.ErrCodeValidation, "step id is empty")
			continue
		}
		if first, dup := ids[step.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first declared at steps[%d])", step.ID, first))
			continue
		}
		ids[step.ID] = i
	}

	// Pass 2: per-step rules.
	for i := range spec.Steps {
		step := &spec.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.Kind != schema.KindQuery && step.Kind != schema.KindMutation {
			result.AddError(path+".kind", schema.ErrCodeValidation,
				fmt.Sprintf("unknown operation kind %q", step.Kind))
		}

		for j, dep := range step.DependsOn {
			depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
			switch {
			case dep == "":
				result.AddError(depPath, schema.ErrCodeValidation, "dependency id is empty")
			case dep == step.ID:
				result.AddError(depPath, schema.ErrCodeValidation,
					fmt.Sprintf("step %q depends on itself", step.ID))
			default:
				if _, ok := ids[dep]; !ok {
					result.AddError(depPath, schema.ErrCodeUnknownReference,
						fmt.Sprintf("dependency %q does not match any step id", dep))
				}
			}
		}

		for _, field := range sortedFieldNames(step.Inputs) {
			src := step.Inputs[field]
			srcPath := fmt.Sprintf("%s.inputs.%s", path, field)
			src.Walk(func(s schema.ValueSource) {
				validateSource(step, s, srcPath, ids, spec, transforms, result)
			})
		}

		if step.Condition != "" && conditions != nil {
			if err := conditions.Check(step.Condition); err != nil {
				result.AddError(path+".condition", schema.ErrCodeValidation,
					fmt.Sprintf("condition does not compile: %s", err.Error()))
			}
		}

		if step.Timeout != "" {
			d, err := time.ParseDuration(step.Timeout)
			if err != nil {
				result.AddError(path+".timeout", schema.ErrCodeValidation,
					fmt.Sprintf("invalid duration %q", step.Timeout))
			} else if spec.Timeout != "" {
				if runLimit, rerr := time.ParseDuration(spec.Timeout); rerr == nil && d > runLimit {
					result.AddWarning(path+".timeout", schema.ErrCodeValidation,
						fmt.Sprintf("step timeout %q exceeds the run timeout %q and can never be reached", step.Timeout, spec.Timeout))
				}
			}
		}

		if step.Retry != nil {
			validateRetry(step.Retry, path+".retry", result)
		}
	}

	return result
}

// validateSource checks one node of a ValueSource tree. The walk has already
// flattened nesting, so only the node itself is inspected here.
func validateSource(step *schema.Step, src schema.ValueSource, path string, ids map[string]int, spec *schema.Spec, transforms TransformLookup, result *schema.ValidationResult) {
	switch src.Kind {
	case schema.SourcePlaceholder:
		if src.From == step.ID {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("step %q references its own output", step.ID))
			return
		}
		targetIdx, ok := ids[src.From]
		if !ok {
			result.AddError(path, schema.ErrCodeUnknownReference,
				fmt.Sprintf("placeholder references unknown step %q", src.From))
			return
		}
		// The first path segment must name a declared output of the target.
		target := &spec.Steps[targetIdx]
		output := firstSegment(src.Path)
		if _, declared := target.Outputs[output]; !declared {
			result.AddError(path, schema.ErrCodeUnknownReference,
				fmt.Sprintf("placeholder path %q does not start with a declared output of step %q", src.Path, src.From))
		}
	case schema.SourceTransform:
		if transforms != nil && !transforms.Has(src.Transform) {
			result.AddError(path, schema.ErrCodeUnknownTransform,
				fmt.Sprintf("unknown transform %q", src.Transform))
		}
	}
}

func validateRetry(retry *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if retry.Max < 0 {
		result.AddError(path+".max", schema.ErrCodeValidation,
			fmt.Sprintf("retry max must be >= 0, got %d", retry.Max))
	}
	switch retry.Backoff {
	case "", "none", "constant", "linear", "exponential":
	default:
		result.AddError(path+".backoff", schema.ErrCodeValidation,
			fmt.Sprintf("unknown backoff strategy %q", retry.Backoff))
	}
	if retry.Max == 0 && (retry.Backoff != "" || retry.Delay != "" || retry.MaxDelay != "") {
		result.AddWarning(path, schema.ErrCodeValidation,
			"retry max is 0: backoff settings will never be used and the step also opts out of the default retry policy")
	}
	if retry.Delay != "" {
		if _, err := time.ParseDuration(retry.Delay); err != nil {
			result.AddError(path+".delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", retry.Delay))
		}
	}
	if retry.MaxDelay != "" {
		if _, err := time.ParseDuration(retry.MaxDelay); err != nil {
			result.AddError(path+".max_delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", retry.MaxDelay))
		}
	}
}

// sortedFieldNames returns input field names in lexical order so that issue
// lists are stable across runs.
func sortedFieldNames(inputs map[string]schema.ValueSource) []string {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// firstSegment returns the leading dot-separated segment of a path.
func firstSegment(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}
