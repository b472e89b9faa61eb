package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bindrun/bindrun/internal/graph"
	"github.com/bindrun/bindrun/pkg/schema"
)

// validateDAG checks that the dependency relation (explicit depends_on plus
// implicit placeholder edges) is acyclic. It runs only on specs whose
// references all resolve, so an in-cycle step is never a dangling one.
func validateDAG(spec *schema.Spec) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	deps := make(map[string][]string, len(spec.Steps))
	for i := range spec.Steps {
		step := &spec.Steps[i]
		deps[step.ID] = graph.Dependencies(step)
	}

	remaining := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for id, stepDeps := range deps {
		remaining[id] = len(stepDeps)
		for _, dep := range stepDeps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(deps))
	for id, n := range remaining {
		if n == 0 {
			queue = append(queue, id)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, dependent := range dependents[id] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if resolved != len(deps) {
		members := make([]string, 0)
		for id, n := range remaining {
			if n > 0 {
				members = append(members, id)
			}
		}
		sort.Strings(members)
		result.AddError("steps", schema.ErrCodeCycleDetected,
			fmt.Sprintf("dependency cycle involving steps: %s", strings.Join(members, ", ")))
	}

	return result
}
