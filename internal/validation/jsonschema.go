package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/bindrun/bindrun/pkg/schema"
)

// specSchemaJSON is the JSON Schema for workflow spec validation.
// Embedded as a constant to avoid filesystem dependencies. Note that an
// empty steps array is deliberately legal: a zero-step spec is valid and
// executes to an empty report.
const specSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://bindrun.dev/schemas/spec.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "timeout": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "operation", "kind"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "operation": {
          "type": "string",
          "minLength": 1
        },
        "kind": {
          "type": "string",
          "enum": ["query", "mutation"]
        },
        "inputs": { "type": "object" },
        "outputs": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "condition": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {
          "type": "integer",
          "minimum": 0
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "delay": {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates the wire form of a spec against the embedded
// JSON Schema (Draft 2020-12). Safe for concurrent use.
type JSONSchemaValidator struct {
	specSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the spec schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(specSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal spec schema: %w", err)
	}
	if err := c.AddResource("https://bindrun.dev/schemas/spec.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add spec schema resource: %w", err)
	}

	compiled, err := c.Compile("https://bindrun.dev/schemas/spec.json")
	if err != nil {
		return nil, fmt.Errorf("compile spec schema: %w", err)
	}

	return &JSONSchemaValidator{specSchema: compiled}, nil
}

// ValidateSpec validates a Spec against the embedded JSON Schema.
func (v *JSONSchemaValidator) ValidateSpec(spec *schema.Spec) error {
	if spec == nil {
		return schema.NewError(schema.ErrCodeValidation, "spec is nil")
	}

	doc, err := toJSONValue(spec)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize spec").WithCause(err)
	}

	if err := v.specSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// toSchemaError flattens a jsonschema ValidationError into a structured
// Error carrying every violation, not just the first.
func toSchemaError(err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	var violations []string
	collectViolations(ve, &violations)

	msg := "spec does not match schema"
	if len(violations) == 1 {
		msg = violations[0]
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithCause(err).
		WithDetails(map[string]any{"violations": violations})
}

// violationPrinter renders ErrorKind messages; LocalizedString requires a
// non-nil printer.
var violationPrinter = message.NewPrinter(language.English)

// collectViolations walks the leaf causes of a ValidationError tree.
func collectViolations(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(violationPrinter)))
		return
	}
	for _, cause := range ve.Causes {
		collectViolations(cause, out)
	}
}
