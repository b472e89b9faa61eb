package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bindrun/bindrun/pkg/schema"
)

func zones() []any {
	return []any{
		map[string]any{"id": "zone-1", "name": "Oceania", "code": "OC"},
		map[string]any{"id": "zone-2", "name": "Europe", "code": "EU"},
		map[string]any{"id": "zone-3", "name": "Asia Pacific", "code": "APAC"},
	}
}

func TestLookup_SingleMatch(t *testing.T) {
	got, err := Lookup([]any{zones(), "name", "Oceania", "id"})
	require.NoError(t, err)
	assert.Equal(t, "zone-1", got)
}

func TestLookup_CaseInsensitive(t *testing.T) {
	got, err := Lookup([]any{zones(), "name", "oceania", "id"})
	require.NoError(t, err)
	assert.Equal(t, "zone-1", got)
}

func TestLookup_NotFound(t *testing.T) {
	_, err := Lookup([]any{zones(), "name", "Atlantis", "id"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeLookupNotFound, err.(*schema.Error).Code)
}

func TestLookup_Ambiguous(t *testing.T) {
	coll := []any{
		map[string]any{"id": "a", "name": "AU"},
		map[string]any{"id": "b", "name": "au"},
	}
	_, err := Lookup([]any{coll, "name", "AU", "id"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeLookupAmbiguous, err.(*schema.Error).Code)
}

func TestLookup_PriorityFields(t *testing.T) {
	// "NZ" misses on name but hits on code; the field list is tried in order.
	coll := []any{
		map[string]any{"id": "zone-9", "name": "New Zealand", "code": "NZ"},
	}
	got, err := Lookup([]any{coll, []any{"name", "code"}, "NZ", "id"})
	require.NoError(t, err)
	assert.Equal(t, "zone-9", got)
}

func TestLookup_PriorityStopsAtFirstFieldWithOneMatch(t *testing.T) {
	// An ambiguous second field never comes into play when the first field
	// matched exactly once.
	coll := []any{
		map[string]any{"id": "x", "name": "AU", "code": "AU"},
		map[string]any{"id": "y", "name": "Austria", "code": "AU"},
	}
	got, err := Lookup([]any{coll, []any{"name", "code"}, "AU", "id"})
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestLookup_AmbiguousFieldFailsWithoutFallthrough(t *testing.T) {
	// Two matches on a priority field is a hard error, not a cue to try the
	// next field.
	coll := []any{
		map[string]any{"id": "x", "name": "AU", "code": "A1"},
		map[string]any{"id": "y", "name": "AU", "code": "A2"},
	}
	_, err := Lookup([]any{coll, []any{"name", "code"}, "AU", "id"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeLookupAmbiguous, err.(*schema.Error).Code)
}

func TestLookup_MissingExtractField(t *testing.T) {
	_, err := Lookup([]any{zones(), "name", "Oceania", "tariff"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTransform, err.(*schema.Error).Code)
}

func TestLookup_NumericMatchValue(t *testing.T) {
	coll := []any{
		map[string]any{"id": 7, "slot": 1},
		map[string]any{"id": 8, "slot": 2},
	}
	got, err := Lookup([]any{coll, "slot", 2, "id"})
	require.NoError(t, err)
	assert.Equal(t, 8, got)
}

func TestLookup_BadCollection(t *testing.T) {
	_, err := Lookup([]any{"not a list", "name", "x", "id"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTransform, err.(*schema.Error).Code)
}
