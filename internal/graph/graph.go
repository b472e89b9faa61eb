// Package graph derives the execution ordering for a workflow spec.
// Edges are the union of explicit depends_on declarations and the implicit
// constraints induced by placeholders anywhere inside a step's ValueSource
// trees, including those nested in transform arguments.
package graph

import (
	"sort"

	"github.com/bindrun/bindrun/pkg/schema"
)

// Graph is the dependency structure of a validated spec.
type Graph struct {
	Steps   map[string]*schema.Step // step ID → definition
	Deps    map[string][]string     // step ID → dependencies (deduplicated)
	Reverse map[string][]string     // step ID → dependents
	Order   []string                // deterministic topological order
	Index   map[string]int          // step ID → declaration index (tie-break key)
}

// Build constructs the graph and its topological order. The spec must
// already have passed validation: Build reports a cycle if one slipped
// through but assumes all references resolve.
func Build(spec *schema.Spec) (*Graph, error) {
	g := &Graph{
		Steps:   make(map[string]*schema.Step, len(spec.Steps)),
		Deps:    make(map[string][]string, len(spec.Steps)),
		Reverse: make(map[string][]string, len(spec.Steps)),
		Index:   make(map[string]int, len(spec.Steps)),
	}

	for i := range spec.Steps {
		step := &spec.Steps[i]
		g.Steps[step.ID] = step
		g.Index[step.ID] = i
	}

	for i := range spec.Steps {
		step := &spec.Steps[i]
		for _, dep := range Dependencies(step) {
			g.Deps[step.ID] = append(g.Deps[step.ID], dep)
			g.Reverse[dep] = append(g.Reverse[dep], step.ID)
		}
	}

	order, err := g.sort()
	if err != nil {
		return nil, err
	}
	g.Order = order
	return g, nil
}

// Dependencies returns a step's full dependency set: explicit depends_on
// plus every placeholder-referenced step, deduplicated, self-references
// excluded (validation rejects those separately).
func Dependencies(step *schema.Step) []string {
	seen := make(map[string]bool, len(step.DependsOn))
	var deps []string

	add := func(id string) {
		if id == "" || id == step.ID || seen[id] {
			return
		}
		seen[id] = true
		deps = append(deps, id)
	}

	for _, dep := range step.DependsOn {
		add(dep)
	}
	for _, src := range sortedSources(step.Inputs) {
		for _, ref := range src.References() {
			add(ref)
		}
	}
	return deps
}

// sort runs Kahn's algorithm with a declaration-order priority queue:
// whenever several steps are simultaneously ready, the earliest-declared one
// is emitted first. Execution order is therefore deterministic for a given
// spec even though independent steps may later run concurrently.
func (g *Graph) sort() ([]string, error) {
	remaining := make(map[string]int, len(g.Steps))
	for id := range g.Steps {
		remaining[id] = len(g.Deps[id])
	}

	var ready []string
	for id, n := range remaining {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	g.SortByDeclaration(ready)

	order := make([]string, 0, len(g.Steps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, dependent := range g.Reverse[id] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		ready = append(ready, unlocked...)
		g.SortByDeclaration(ready)
	}

	if len(order) != len(g.Steps) {
		members := make([]string, 0)
		for id, n := range remaining {
			if n > 0 {
				members = append(members, id)
			}
		}
		sort.Strings(members)
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "spec contains a dependency cycle").
			WithDetails(map[string]any{"cycle_members": members})
	}
	return order, nil
}

// SortByDeclaration orders step IDs by declaration index in place.
func (g *Graph) SortByDeclaration(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return g.Index[ids[i]] < g.Index[ids[j]]
	})
}

// sortedSources returns a step's input sources in field-name order so that
// derived dependency lists are stable across runs.
func sortedSources(inputs map[string]schema.ValueSource) []schema.ValueSource {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	sources := make([]schema.ValueSource, 0, len(names))
	for _, name := range names {
		sources = append(sources, inputs[name])
	}
	return sources
}
