package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bindrun/bindrun/pkg/schema"
)

func testConfig(endpoint string) GraphQLConfig {
	return GraphQLConfig{
		Endpoint: endpoint,
		Operations: map[string]string{
			"listZones":  `query listZones { zones { id name } }`,
			"createRate": `mutation createRate($zoneId: ID!) { createRate(zoneId: $zoneId) { id } }`,
		},
	}
}

func TestGraphQLAdapter_PostsOperationWithVariables(t *testing.T) {
	var got struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"data": {"zones": []}}`))
	}))
	defer srv.Close()

	a, err := NewGraphQLAdapter(testConfig(srv.URL))
	require.NoError(t, err)

	raw, err := a.Execute(context.Background(), schema.KindQuery, "listZones",
		map[string]any{"first": 10})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data": {"zones": []}}`, string(raw))
	assert.Contains(t, got.Query, "zones")
	assert.Equal(t, float64(10), got.Variables["first"])
}

func TestGraphQLAdapter_BearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data": {}}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.BearerToken = "s3cret"
	a, err := NewGraphQLAdapter(cfg)
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), schema.KindQuery, "listZones", nil)
	require.NoError(t, err)
}

func TestGraphQLAdapter_StatusClassification(t *testing.T) {
	cases := []struct {
		status   int
		wantCode string
	}{
		{http.StatusTooManyRequests, schema.ErrCodeAdapterTransient},
		{http.StatusBadGateway, schema.ErrCodeAdapterTransient},
		{http.StatusInternalServerError, schema.ErrCodeAdapterTransient},
		{http.StatusBadRequest, schema.ErrCodeAdapterPermanent},
		{http.StatusUnauthorized, schema.ErrCodeAdapterPermanent},
		{http.StatusNotFound, schema.ErrCodeAdapterPermanent},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			a, err := NewGraphQLAdapter(testConfig(srv.URL))
			require.NoError(t, err)

			_, err = a.Execute(context.Background(), schema.KindQuery, "listZones", nil)
			require.Error(t, err)
			assert.Equal(t, tc.wantCode, err.(*schema.Error).Code)
		})
	}
}

func TestGraphQLAdapter_NetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	a, err := NewGraphQLAdapter(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), schema.KindQuery, "listZones", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAdapterTransient, err.(*schema.Error).Code)
}

func TestGraphQLAdapter_InBandErrorsArePermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": null, "errors": [{"message": "zone not found"}]}`))
	}))
	defer srv.Close()

	a, err := NewGraphQLAdapter(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), schema.KindQuery, "listZones", nil)
	require.Error(t, err)
	berr := err.(*schema.Error)
	assert.Equal(t, schema.ErrCodeAdapterPermanent, berr.Code)
	assert.Contains(t, berr.Message, "zone not found")
}

func TestGraphQLAdapter_UnknownOperation(t *testing.T) {
	a, err := NewGraphQLAdapter(testConfig("http://localhost:0"))
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), schema.KindQuery, "nope", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAdapterPermanent, err.(*schema.Error).Code)
}

func TestGraphQLAdapter_KindMismatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	a, err := NewGraphQLAdapter(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), schema.KindQuery, "createRate", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAdapterPermanent, err.(*schema.Error).Code)
	assert.Zero(t, calls.Load(), "a kind mismatch must not reach the backend")

	_, err = a.Execute(context.Background(), schema.KindMutation, "listZones", nil)
	require.Error(t, err)
}

func TestNewGraphQLAdapter_RequiresEndpointAndOperations(t *testing.T) {
	_, err := NewGraphQLAdapter(GraphQLConfig{})
	assert.Error(t, err)

	_, err = NewGraphQLAdapter(GraphQLConfig{Endpoint: "http://x"})
	assert.Error(t, err)
}

func TestReplayAdapter_SequenceAndRepeat(t *testing.T) {
	a := NewReplayAdapter(map[string][]Fixture{
		"op": {
			{Response: json.RawMessage(`{"n": 1}`)},
			{Response: json.RawMessage(`{"n": 2}`)},
		},
	})

	for _, want := range []string{`{"n": 1}`, `{"n": 2}`, `{"n": 2}`} {
		raw, err := a.Execute(context.Background(), schema.KindQuery, "op", nil)
		require.NoError(t, err)
		assert.JSONEq(t, want, string(raw))
	}
	assert.Equal(t, 3, a.Calls("op"))
}

func TestReplayAdapter_ErrorFixture(t *testing.T) {
	a := NewReplayAdapter(map[string][]Fixture{
		"op": {{ErrorCode: schema.ErrCodeAdapterTransient, Message: "rate limited"}},
	})

	_, err := a.Execute(context.Background(), schema.KindQuery, "op", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAdapterTransient, err.(*schema.Error).Code)
}

func TestReplayAdapter_UnknownOperation(t *testing.T) {
	a := NewReplayAdapter(nil)
	_, err := a.Execute(context.Background(), schema.KindQuery, "ghost", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAdapterPermanent, err.(*schema.Error).Code)
}

func TestParseFixtures(t *testing.T) {
	fixtures, err := ParseFixtures([]byte(`{
		"listZones": [{"response": {"data": {"zones": []}}}],
		"flaky": [{"error_code": "ADAPTER_TRANSIENT", "message": "429"}]
	}`))
	require.NoError(t, err)
	assert.Len(t, fixtures, 2)
	assert.Equal(t, schema.ErrCodeAdapterTransient, fixtures["flaky"][0].ErrorCode)
}
