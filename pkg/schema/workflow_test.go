package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSource_UnmarshalLiteral(t *testing.T) {
	cases := map[string]string{
		"string": `"hello"`,
		"number": `42`,
		"bool":   `true`,
		"array":  `[1, 2, 3]`,
		"object": `{"currency": "USD"}`,
		"null":   `null`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var v ValueSource
			require.NoError(t, json.Unmarshal([]byte(raw), &v))
			assert.Equal(t, SourceLiteral, v.Kind)
		})
	}
}

func TestValueSource_LiteralNumbersKeepPrecision(t *testing.T) {
	var v ValueSource
	require.NoError(t, json.Unmarshal([]byte(`19.99`), &v))
	n, ok := v.Literal.(json.Number)
	require.True(t, ok, "numeric literals must decode as json.Number, got %T", v.Literal)
	assert.Equal(t, "19.99", n.String())
}

func TestValueSource_UnmarshalPlaceholder(t *testing.T) {
	var v ValueSource
	require.NoError(t, json.Unmarshal([]byte(`{"from": "createZone", "path": "zoneId"}`), &v))
	assert.Equal(t, SourcePlaceholder, v.Kind)
	assert.Equal(t, "createZone", v.From)
	assert.Equal(t, "zoneId", v.Path)
}

func TestValueSource_UnmarshalPlaceholderMissingPath(t *testing.T) {
	var v ValueSource
	err := json.Unmarshal([]byte(`{"from": "createZone"}`), &v)
	assert.Error(t, err)
}

func TestValueSource_UnmarshalTransformNested(t *testing.T) {
	raw := `{
		"transform": "currency_to_minor_units",
		"args": [{"from": "getPrice", "path": "price.amount"}]
	}`
	var v ValueSource
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	assert.Equal(t, SourceTransform, v.Kind)
	assert.Equal(t, "currency_to_minor_units", v.Transform)
	require.Len(t, v.Args, 1)
	assert.Equal(t, SourcePlaceholder, v.Args[0].Kind)
}

func TestValueSource_ObjectWithoutTagsIsLiteral(t *testing.T) {
	// A plain object that happens to have other keys stays a literal.
	var v ValueSource
	require.NoError(t, json.Unmarshal([]byte(`{"name": "AU", "code": "au"}`), &v))
	assert.Equal(t, SourceLiteral, v.Kind)
}

func TestValueSource_MarshalRoundTrip(t *testing.T) {
	src := Apply("lookup",
		Ref("listZones", "zones"),
		Lit("name"),
		Lit("Oceania"),
		Lit("id"),
	)

	data, err := json.Marshal(src)
	require.NoError(t, err)

	var back ValueSource
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, SourceTransform, back.Kind)
	assert.Equal(t, "lookup", back.Transform)
	require.Len(t, back.Args, 4)
	assert.Equal(t, "listZones", back.Args[0].From)
}

func TestValueSource_References(t *testing.T) {
	src := Apply("lookup",
		Ref("listZones", "zones"),
		Lit("name"),
		Ref("getName", "value"),
		Ref("listZones", "zones.0.id"),
	)
	assert.Equal(t, []string{"listZones", "getName"}, src.References())
}

func TestParseSpec_RejectsUnknownTopLevelFields(t *testing.T) {
	_, err := ParseSpec([]byte(`{"steps": [], "bogus": true}`))
	assert.Error(t, err)
}

func TestParseSpec_EmptySteps(t *testing.T) {
	spec, err := ParseSpec([]byte(`{"steps": []}`))
	require.NoError(t, err)
	assert.Empty(t, spec.Steps)
}

func TestReport_FailedDistinguishesSkipCauses(t *testing.T) {
	report := &Report{
		Steps: map[string]*StepReport{
			"a": {StepID: "a", Status: StepStatusSucceeded},
			"b": {StepID: "b", Status: StepStatusSkipped, SkipReason: SkipReasonCondition},
		},
	}
	assert.False(t, report.Failed(), "condition skips keep the run clean")

	report.Steps["c"] = &StepReport{StepID: "c", Status: StepStatusSkipped, SkipReason: SkipReasonDependency}
	assert.True(t, report.Failed(), "dependency skips are cascaded failures")
}

func TestReport_CanonicalStripsTimestamps(t *testing.T) {
	now := time.Now().UTC()
	report := &Report{
		RunID:       "run-1",
		SpecName:    "demo",
		Status:      RunStatusSucceeded,
		StartedAt:   now,
		CompletedAt: now,
		Steps: map[string]*StepReport{
			"a": {StepID: "a", Status: StepStatusSucceeded, StartedAt: &now, CompletedAt: &now, DurationMs: 12},
		},
	}

	out, err := report.Canonical()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "run_id")
	assert.NotContains(t, string(out), "started_at")
	assert.NotContains(t, string(out), "duration_ms")
}
