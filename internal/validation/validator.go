// Package validation rejects bad specs before any backend call is made.
// Validation is a three-stage pipeline: structural (JSON Schema), then
// semantic (references, transforms, durations), then graph (cycle detection).
// It accumulates every issue it finds instead of failing fast.
package validation

import (
	"github.com/bindrun/bindrun/pkg/schema"
)

// Validator runs the full validation pipeline over a parsed spec.
type Validator struct {
	structural *JSONSchemaValidator
	transforms TransformLookup
	conditions ConditionChecker
}

// NewValidator creates a Validator. transforms must answer for every
// registered transform name; conditions may be nil to skip condition
// compilation checks.
func NewValidator(transforms TransformLookup, conditions ConditionChecker) (*Validator, error) {
	structural, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{
		structural: structural,
		transforms: transforms,
		conditions: conditions,
	}, nil
}

// Validate runs all stages and returns the accumulated result. The graph
// stage only runs when references resolve: a cycle report over dangling IDs
// would be noise.
func (v *Validator) Validate(spec *schema.Spec) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if spec == nil {
		result.AddError("", schema.ErrCodeValidation, "spec is nil")
		return result
	}

	if err := v.structural.ValidateSpec(spec); err != nil {
		appendStructuralIssues(result, err)
		// Semantic checks still run: structural problems in one step
		// should not hide reference errors in another.
	}

	semantic := validateSemantic(spec, v.transforms, v.conditions)
	result.Merge(semantic)

	if referencesResolve(semantic) {
		result.Merge(validateDAG(spec))
	}

	return result
}

// appendStructuralIssues unpacks a structured schema error into individual
// issues, one per violation.
func appendStructuralIssues(result *schema.ValidationResult, err error) {
	se, ok := err.(*schema.Error)
	if !ok {
		result.AddError("", schema.ErrCodeValidation, err.Error())
		return
	}
	violations, _ := se.Details["violations"].([]string)
	if len(violations) == 0 {
		result.AddError("", se.Code, se.Message)
		return
	}
	for _, violation := range violations {
		result.AddError("", se.Code, violation)
	}
}

// referencesResolve reports whether the semantic stage found any dangling
// references. Cycle detection assumes a closed ID space.
func referencesResolve(semantic *schema.ValidationResult) bool {
	for _, issue := range semantic.Errors {
		if issue.Code == schema.ErrCodeUnknownReference {
			return false
		}
	}
	return true
}
