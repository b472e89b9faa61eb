package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bindrun/bindrun/internal/adapter"
	"github.com/bindrun/bindrun/internal/expressions"
	"github.com/bindrun/bindrun/internal/transform"
	"github.com/bindrun/bindrun/pkg/schema"
)

// adapterFunc adapts a function to the Adapter interface for tests that
// need behavior a replay fixture cannot express.
type adapterFunc func(ctx context.Context, kind schema.OperationKind, operation string, inputs map[string]any) (json.RawMessage, error)

func (f adapterFunc) Execute(ctx context.Context, kind schema.OperationKind, operation string, inputs map[string]any) (json.RawMessage, error) {
	return f(ctx, kind, operation, inputs)
}

func newTestExecutor(t *testing.T, backend adapter.Adapter) *Executor {
	t.Helper()
	conditions, err := expressions.NewCELEvaluator()
	require.NoError(t, err)
	return New(backend, transform.NewBuiltinRegistry(), Options{
		Concurrency: 4,
		Conditions:  conditions,
	})
}

func replay(t *testing.T, fixtures map[string][]adapter.Fixture) *adapter.ReplayAdapter {
	t.Helper()
	return adapter.NewReplayAdapter(fixtures)
}

func ok(raw string) adapter.Fixture {
	return adapter.Fixture{Response: json.RawMessage(raw)}
}

func TestExecute_EmptySpec(t *testing.T) {
	e := newTestExecutor(t, replay(t, nil))
	report, err := e.Execute(context.Background(), &schema.Spec{Name: "empty"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, report.Status)
	assert.Empty(t, report.Steps)
	assert.NotEmpty(t, report.RunID)
}

func TestExecute_ChainsPlaceholdersThroughSteps(t *testing.T) {
	backend := replay(t, map[string][]adapter.Fixture{
		"listZones":  {ok(`{"data": {"zones": [{"id": "zone-1", "name": "Oceania"}]}}`)},
		"createRate": {ok(`{"data": {"rate": {"id": "rate-9"}}}`)},
	})
	e := newTestExecutor(t, backend)

	spec := &schema.Spec{
		Name: "rate-setup",
		Steps: []schema.Step{
			{ID: "listZones", Operation: "listZones", Kind: schema.KindQuery,
				Outputs: map[string]string{"zones": "data.zones"}},
			{ID: "createRate", Operation: "createRate", Kind: schema.KindMutation,
				Inputs: map[string]schema.ValueSource{
					"zoneId": schema.Apply("lookup",
						schema.Ref("listZones", "zones"),
						schema.Lit("name"),
						schema.Lit("Oceania"),
						schema.Lit("id")),
					"amount": schema.Apply("currency_to_minor_units", schema.Lit("$15")),
				},
				Outputs: map[string]string{"rateId": "data.rate.id"}},
		},
	}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, report.Status)

	create := report.Steps["createRate"]
	require.NotNil(t, create)
	assert.Equal(t, schema.StepStatusSucceeded, create.Status)
	assert.Equal(t, "zone-1", create.ResolvedInputs["zoneId"])
	assert.Equal(t, "1500", create.ResolvedInputs["amount"])
	assert.Equal(t, "rate-9", create.Outputs["rateId"])
}

func TestExecute_FailureCascadesToDependentsOnly(t *testing.T) {
	backend := replay(t, map[string][]adapter.Fixture{
		"a": {ok(`{"v": 1}`)},
		"b": {{ErrorCode: schema.ErrCodeAdapterPermanent, Message: "rejected"}},
		"d": {ok(`{"v": 4}`)},
	})
	e := newTestExecutor(t, backend)

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "a", Operation: "a", Kind: schema.KindQuery},
		{ID: "b", Operation: "b", Kind: schema.KindMutation, DependsOn: []string{"a"}},
		{ID: "c", Operation: "c", Kind: schema.KindQuery, DependsOn: []string{"b"}},
		{ID: "d", Operation: "d", Kind: schema.KindQuery, DependsOn: []string{"a"}},
	}}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, report.Status)

	assert.Equal(t, schema.StepStatusSucceeded, report.Steps["a"].Status)
	assert.Equal(t, schema.StepStatusFailed, report.Steps["b"].Status)
	assert.Equal(t, schema.ErrCodeAdapterPermanent, report.Steps["b"].Error.Code)

	// c is downstream of the failure: skipped, cascade flavor.
	assert.Equal(t, schema.StepStatusSkipped, report.Steps["c"].Status)
	assert.Equal(t, schema.SkipReasonDependency, report.Steps["c"].SkipReason)
	assert.Equal(t, schema.ErrCodeDependencyFailed, report.Steps["c"].Error.Code)

	// d is on an independent branch and still ran.
	assert.Equal(t, schema.StepStatusSucceeded, report.Steps["d"].Status)
}

func TestExecute_SkipCascadeReachesTransitiveDependents(t *testing.T) {
	backend := replay(t, map[string][]adapter.Fixture{
		"a": {{ErrorCode: schema.ErrCodeAdapterPermanent, Message: "down"}},
	})
	e := newTestExecutor(t, backend)

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "a", Operation: "a", Kind: schema.KindQuery},
		{ID: "b", Operation: "b", Kind: schema.KindQuery, DependsOn: []string{"a"}},
		{ID: "c", Operation: "c", Kind: schema.KindQuery, DependsOn: []string{"b"}},
	}}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSkipped, report.Steps["b"].Status)
	assert.Equal(t, schema.StepStatusSkipped, report.Steps["c"].Status)
	assert.Equal(t, schema.SkipReasonDependency, report.Steps["c"].SkipReason)
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	backend := replay(t, map[string][]adapter.Fixture{
		"flaky": {
			{ErrorCode: schema.ErrCodeAdapterTransient, Message: "429"},
			{ErrorCode: schema.ErrCodeAdapterTransient, Message: "429"},
			ok(`{"v": 1}`),
		},
	})
	e := newTestExecutor(t, backend)

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "flaky", Operation: "flaky", Kind: schema.KindQuery,
			Retry: &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "1ms"}},
	}}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, report.Status)
	assert.Equal(t, 3, report.Steps["flaky"].Attempts)
	assert.Equal(t, 3, backend.Calls("flaky"))
}

func TestExecute_RetryExhausted(t *testing.T) {
	backend := replay(t, map[string][]adapter.Fixture{
		"flaky": {{ErrorCode: schema.ErrCodeAdapterTransient, Message: "still down"}},
	})
	e := newTestExecutor(t, backend)

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "flaky", Operation: "flaky", Kind: schema.KindQuery,
			Retry: &schema.RetryPolicy{Max: 2, Backoff: "constant", Delay: "1ms"}},
	}}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)
	step := report.Steps["flaky"]
	assert.Equal(t, schema.StepStatusFailed, step.Status)
	assert.Equal(t, schema.ErrCodeRetryExhausted, step.Error.Code)
	assert.Equal(t, 3, step.Attempts)
	assert.Equal(t, 3, backend.Calls("flaky"))
}

func TestExecute_PermanentFailureNeverRetries(t *testing.T) {
	backend := replay(t, map[string][]adapter.Fixture{
		"bad": {{ErrorCode: schema.ErrCodeAdapterPermanent, Message: "400"}},
	})
	e := newTestExecutor(t, backend)

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "bad", Operation: "bad", Kind: schema.KindMutation,
			Retry: &schema.RetryPolicy{Max: 5, Backoff: "constant", Delay: "1ms"}},
	}}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Steps["bad"].Attempts)
	assert.Equal(t, 1, backend.Calls("bad"))
}

func TestExecute_DefaultRetryCoversStepsWithoutPolicy(t *testing.T) {
	backend := replay(t, map[string][]adapter.Fixture{
		"flaky": {
			{ErrorCode: schema.ErrCodeAdapterTransient, Message: "502"},
			ok(`{"v": 1}`),
		},
	})
	conditions, err := expressions.NewCELEvaluator()
	require.NoError(t, err)
	e := New(backend, transform.NewBuiltinRegistry(), Options{
		Concurrency:  4,
		Conditions:   conditions,
		DefaultRetry: &schema.RetryPolicy{Max: 2, Backoff: "exponential", Delay: "1ms"},
	})

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "flaky", Operation: "flaky", Kind: schema.KindQuery},
	}}

	report, rerr := e.Execute(context.Background(), spec)
	require.NoError(t, rerr)
	assert.Equal(t, schema.RunStatusSucceeded, report.Status)
	assert.Equal(t, 2, report.Steps["flaky"].Attempts)
	assert.Equal(t, 2, backend.Calls("flaky"))
}

func TestExecute_BuiltinDefaultRetryIsExponential(t *testing.T) {
	// Options without DefaultRetry fall back to the package default.
	backend := replay(t, map[string][]adapter.Fixture{
		"flaky": {
			{ErrorCode: schema.ErrCodeAdapterTransient, Message: "429"},
			ok(`{"v": 1}`),
		},
	})
	e := newTestExecutor(t, backend)

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "flaky", Operation: "flaky", Kind: schema.KindQuery},
	}}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, report.Status)
	assert.Equal(t, 2, report.Steps["flaky"].Attempts)
}

func TestExecute_ZeroMaxDefaultRetryDisablesRetries(t *testing.T) {
	backend := replay(t, map[string][]adapter.Fixture{
		"flaky": {
			{ErrorCode: schema.ErrCodeAdapterTransient, Message: "429"},
			ok(`{"v": 1}`),
		},
	})
	e := New(backend, transform.NewBuiltinRegistry(), Options{
		Concurrency:  4,
		DefaultRetry: &schema.RetryPolicy{Max: 0},
	})

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "flaky", Operation: "flaky", Kind: schema.KindQuery},
	}}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)
	step := report.Steps["flaky"]
	assert.Equal(t, schema.StepStatusFailed, step.Status)
	assert.Equal(t, schema.ErrCodeAdapterTransient, step.Error.Code)
	assert.Equal(t, 1, backend.Calls("flaky"))
}

func TestExecute_ConditionSkipKeepsRunClean(t *testing.T) {
	backend := replay(t, map[string][]adapter.Fixture{
		"check":  {ok(`{"exists": true}`)},
		"create": {ok(`{"id": "n1"}`)},
	})
	e := newTestExecutor(t, backend)

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "check", Operation: "check", Kind: schema.KindQuery,
			Outputs: map[string]string{"exists": "exists"}},
		{ID: "create", Operation: "create", Kind: schema.KindMutation,
			DependsOn: []string{"check"},
			Condition: "!steps.check.exists"},
		{ID: "announce", Operation: "announce", Kind: schema.KindMutation,
			DependsOn: []string{"create"}},
	}}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, schema.StepStatusSkipped, report.Steps["create"].Status)
	assert.Equal(t, schema.SkipReasonCondition, report.Steps["create"].SkipReason)
	assert.Nil(t, report.Steps["create"].Error)

	// The cascade keeps the intentional flavor.
	assert.Equal(t, schema.StepStatusSkipped, report.Steps["announce"].Status)
	assert.Equal(t, schema.SkipReasonCondition, report.Steps["announce"].SkipReason)

	assert.Equal(t, schema.RunStatusSucceeded, report.Status,
		"intentional skips must not fail the run")
}

func TestExecute_ConditionTruePasses(t *testing.T) {
	backend := replay(t, map[string][]adapter.Fixture{
		"check":  {ok(`{"exists": false}`)},
		"create": {ok(`{"id": "n1"}`)},
	})
	e := newTestExecutor(t, backend)

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "check", Operation: "check", Kind: schema.KindQuery,
			Outputs: map[string]string{"exists": "exists"}},
		{ID: "create", Operation: "create", Kind: schema.KindMutation,
			DependsOn: []string{"check"},
			Condition: "!steps.check.exists"},
	}}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSucceeded, report.Steps["create"].Status)
}

func TestExecute_MissingDeclaredOutputFailsStep(t *testing.T) {
	backend := replay(t, map[string][]adapter.Fixture{
		"a": {ok(`{"data": {}}`)},
	})
	e := newTestExecutor(t, backend)

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "a", Operation: "a", Kind: schema.KindQuery,
			Outputs: map[string]string{"id": "data.thing.id"}},
	}}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)
	step := report.Steps["a"]
	assert.Equal(t, schema.StepStatusFailed, step.Status)
	assert.Equal(t, schema.ErrCodeMissingOutput, step.Error.Code)
}

func TestExecute_RunTimeoutSettlesEveryStep(t *testing.T) {
	block := adapterFunc(func(ctx context.Context, kind schema.OperationKind, operation string, inputs map[string]any) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := newTestExecutor(t, block)

	spec := &schema.Spec{
		Timeout: "50ms",
		Steps: []schema.Step{
			{ID: "slow", Operation: "slow", Kind: schema.KindQuery},
			{ID: "after", Operation: "after", Kind: schema.KindQuery, DependsOn: []string{"slow"}},
		},
	}

	start := time.Now()
	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, schema.RunStatusFailed, report.Status)
	assert.Equal(t, schema.StepStatusFailed, report.Steps["slow"].Status)

	after := report.Steps["after"]
	require.True(t, after.Status.IsTerminal(), "every step must settle")
	assert.Equal(t, schema.StepStatusSkipped, after.Status)
	assert.Equal(t, schema.SkipReasonDependency, after.SkipReason)
}

func TestExecute_StepTimeoutIsTransient(t *testing.T) {
	calls := 0
	backend := adapterFunc(func(ctx context.Context, kind schema.OperationKind, operation string, inputs map[string]any) (json.RawMessage, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := newTestExecutor(t, backend)

	// The step deadline spans all attempts, so the retry loop stops as soon
	// as the backoff wait sees the expired context.
	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "slow", Operation: "slow", Kind: schema.KindQuery,
			Timeout: "30ms",
			Retry:   &schema.RetryPolicy{Max: 5, Backoff: "constant", Delay: "5ms"}},
	}}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)
	step := report.Steps["slow"]
	assert.Equal(t, schema.StepStatusFailed, step.Status)
	assert.Equal(t, schema.ErrCodeTimeout, step.Error.Code)
	assert.GreaterOrEqual(t, calls, 1)
}

func TestExecute_CanonicalReportsAreDeterministic(t *testing.T) {
	spec := &schema.Spec{
		Name: "repeatable",
		Steps: []schema.Step{
			{ID: "a", Operation: "a", Kind: schema.KindQuery,
				Outputs: map[string]string{"n": "n"}},
			{ID: "b", Operation: "b", Kind: schema.KindQuery,
				Inputs: map[string]schema.ValueSource{"n": schema.Ref("a", "n")}},
		},
	}
	fixtures := map[string][]adapter.Fixture{
		"a": {ok(`{"n": 7}`)},
		"b": {ok(`{"done": true}`)},
	}

	run := func() []byte {
		e := newTestExecutor(t, replay(t, fixtures))
		report, err := e.Execute(context.Background(), spec)
		require.NoError(t, err)
		out, err := report.Canonical()
		require.NoError(t, err)
		return out
	}

	assert.Equal(t, string(run()), string(run()))
}

func TestExecute_TimestampsAreOrdered(t *testing.T) {
	backend := replay(t, map[string][]adapter.Fixture{
		"a": {ok(`{"v": 1}`)},
		"b": {ok(`{"v": 2}`)},
	})
	e := newTestExecutor(t, backend)

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "a", Operation: "a", Kind: schema.KindQuery},
		{ID: "b", Operation: "b", Kind: schema.KindQuery, DependsOn: []string{"a"}},
	}}

	report, err := e.Execute(context.Background(), spec)
	require.NoError(t, err)

	a, b := report.Steps["a"], report.Steps["b"]
	require.NotNil(t, a.StartedAt)
	require.NotNil(t, b.StartedAt)
	assert.False(t, b.StartedAt.Before(*a.CompletedAt),
		"a dependent step cannot start before its dependency completed")
	assert.False(t, report.CompletedAt.Before(report.StartedAt))
}

func TestExecute_IndependentStepsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	arrived := make(chan string, 2)
	backend := adapterFunc(func(ctx context.Context, kind schema.OperationKind, operation string, inputs map[string]any) (json.RawMessage, error) {
		arrived <- operation
		select {
		case <-release:
			return json.RawMessage(`{}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	e := newTestExecutor(t, backend)

	spec := &schema.Spec{Steps: []schema.Step{
		{ID: "left", Operation: "left", Kind: schema.KindQuery},
		{ID: "right", Operation: "right", Kind: schema.KindQuery},
	}}

	done := make(chan *schema.Report, 1)
	go func() {
		report, err := e.Execute(context.Background(), spec)
		require.NoError(t, err)
		done <- report
	}()

	// Both steps must be in the adapter at the same time before either is
	// released.
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("independent steps were serialized")
		}
	}
	close(release)

	report := <-done
	assert.Equal(t, schema.RunStatusSucceeded, report.Status)
}
