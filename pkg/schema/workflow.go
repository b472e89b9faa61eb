package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Spec is the JSON-serializable workflow specification: an ordered sequence
// of steps against a single backend. Declaration order is a deterministic
// tie-break for scheduling, never an execution guarantee.
type Spec struct {
	Name     string         `json:"name,omitempty"`
	Steps    []Step         `json:"steps"`
	Timeout  string         `json:"timeout,omitempty"` // run-level deadline (e.g. "2m")
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Step describes one backend operation invocation.
type Step struct {
	ID        string                 `json:"id"`
	Operation string                 `json:"operation"`
	Kind      OperationKind          `json:"kind"`
	Inputs    map[string]ValueSource `json:"inputs,omitempty"`
	Outputs   map[string]string      `json:"outputs,omitempty"`    // output name → extraction path
	DependsOn []string               `json:"depends_on,omitempty"` // explicit ordering constraints
	Condition string                 `json:"condition,omitempty"`  // CEL guard; false skips the step
	Retry     *RetryPolicy           `json:"retry,omitempty"`
	Timeout   string                 `json:"timeout,omitempty"` // step-level timeout (e.g. "30s")
}

// OperationKind distinguishes read operations from writes.
type OperationKind string

const (
	KindQuery    OperationKind = "query"
	KindMutation OperationKind = "mutation"
)

// RetryPolicy configures retry behavior for transient adapter failures.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on computed delay
}

// SourceKind tags the three ValueSource variants.
type SourceKind string

const (
	SourceLiteral     SourceKind = "literal"
	SourcePlaceholder SourceKind = "placeholder"
	SourceTransform   SourceKind = "transform"
)

// ValueSource is a tagged variant describing where a step input comes from:
// a literal value, a placeholder referencing an earlier step's recorded
// output, or a named transformation over nested sources.
//
// Wire encodings:
//
//	literal:     any JSON value without a "from" or "transform" key
//	placeholder: {"from": "<stepID>", "path": "<output[.field...]>"}
//	transform:   {"transform": "<name>", "args": [<ValueSource>...]}
type ValueSource struct {
	Kind SourceKind

	// Literal variant.
	Literal any

	// Placeholder variant.
	From string
	Path string

	// Transform variant.
	Transform string
	Args      []ValueSource
}

// Lit builds a literal ValueSource.
func Lit(v any) ValueSource {
	return ValueSource{Kind: SourceLiteral, Literal: v}
}

// Ref builds a placeholder ValueSource referencing stepID's recorded output.
func Ref(stepID, path string) ValueSource {
	return ValueSource{Kind: SourcePlaceholder, From: stepID, Path: path}
}

// Apply builds a transform ValueSource.
func Apply(name string, args ...ValueSource) ValueSource {
	return ValueSource{Kind: SourceTransform, Transform: name, Args: args}
}

// UnmarshalJSON decodes the tagged wire form. An object carrying "from" is a
// placeholder, one carrying "transform" is a transform; everything else,
// plain objects included, is a literal.
func (v *ValueSource) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return err
		}
		if _, ok := probe["from"]; ok {
			return v.unmarshalPlaceholder(trimmed)
		}
		if _, ok := probe["transform"]; ok {
			return v.unmarshalTransform(trimmed)
		}
	}

	var lit any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&lit); err != nil {
		return err
	}
	v.Kind = SourceLiteral
	v.Literal = lit
	return nil
}

func (v *ValueSource) unmarshalPlaceholder(raw []byte) error {
	var p struct {
		From string `json:"from"`
		Path string `json:"path"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if p.From == "" {
		return fmt.Errorf(`placeholder source has empty "from"`)
	}
	if p.Path == "" {
		return fmt.Errorf(`placeholder source for step %q has empty "path"`, p.From)
	}
	v.Kind = SourcePlaceholder
	v.From = p.From
	v.Path = p.Path
	return nil
}

func (v *ValueSource) unmarshalTransform(raw []byte) error {
	var t struct {
		Transform string        `json:"transform"`
		Args      []ValueSource `json:"args"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return err
	}
	if t.Transform == "" {
		return fmt.Errorf(`transform source has empty "transform"`)
	}
	v.Kind = SourceTransform
	v.Transform = t.Transform
	v.Args = t.Args
	return nil
}

// MarshalJSON emits the same tagged wire form UnmarshalJSON accepts.
func (v ValueSource) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case SourcePlaceholder:
		return json.Marshal(map[string]string{"from": v.From, "path": v.Path})
	case SourceTransform:
		args := v.Args
		if args == nil {
			args = []ValueSource{}
		}
		return json.Marshal(map[string]any{"transform": v.Transform, "args": args})
	default:
		return json.Marshal(v.Literal)
	}
}

// Walk calls fn on v and every nested source in transform arguments,
// depth-first in declaration order.
func (v ValueSource) Walk(fn func(ValueSource)) {
	fn(v)
	for _, arg := range v.Args {
		arg.Walk(fn)
	}
}

// References collects the step IDs of every placeholder reachable from v,
// in first-seen order without duplicates.
func (v ValueSource) References() []string {
	seen := make(map[string]bool)
	var refs []string
	v.Walk(func(s ValueSource) {
		if s.Kind == SourcePlaceholder && !seen[s.From] {
			seen[s.From] = true
			refs = append(refs, s.From)
		}
	})
	return refs
}

// ParseSpec decodes a JSON spec document. Full validation is the validator's
// job; this only rejects malformed JSON and unknown top-level fields.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "parse spec: %s", err.Error()).WithCause(err)
	}
	return &spec, nil
}
