package schemasql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payload = `x'); DROP TABLE cards; --`

// Every user-supplied string must reach the database as a bound argument.
func TestCompile_UserStringsAreBound(t *testing.T) {
	schemas := map[string]map[string]any{
		"const": {
			"properties": map[string]any{"slug": map[string]any{"const": payload}},
		},
		"enum": {
			"properties": map[string]any{"type": map[string]any{"enum": []any{payload, "b"}}},
		},
		"pattern": {
			"properties": map[string]any{"slug": map[string]any{"pattern": payload}},
		},
		"data key": {
			"properties": map[string]any{"data": map[string]any{
				"properties": map[string]any{payload: map[string]any{"const": 1.0}},
			}},
		},
		"required data key": {
			"properties": map[string]any{"data": map[string]any{"required": []any{payload}}},
		},
		"link name": {
			LinksKeyword: map[string]any{payload: map[string]any{}},
		},
		"negated link name": {
			LinksKeyword: map[string]any{payload: nil},
		},
		"nested const": {
			"properties": map[string]any{"data": map[string]any{
				"properties": map[string]any{"a": map[string]any{"const": map[string]any{"k": payload}}},
			}},
		},
		"tags contains": {
			"properties": map[string]any{"tags": map[string]any{"contains": map[string]any{"const": payload}}},
		},
	}

	for name, schema := range schemas {
		t.Run(name, func(t *testing.T) {
			q, err := Compile("cards", schema, Options{Limit: 10})
			require.NoError(t, err)
			assertPlaceholders(t, q)
			assert.NotContains(t, q.SQL, "DROP TABLE")
			assert.NotContains(t, q.SQL, payload)
		})
	}
}

func TestCompile_SortPathIsBound(t *testing.T) {
	q, err := Compile("cards", nil, Options{Limit: 10, SortBy: []string{"data", payload}})
	require.NoError(t, err)
	assertPlaceholders(t, q)
	assert.NotContains(t, q.SQL, "DROP TABLE")
	assert.Equal(t, []string{payload}, q.Args[0])
}

func TestCompile_UnknownColumnNamesAreNeverInterpolated(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{payload: map[string]any{"const": "x"}},
	}
	q, err := Compile("cards", schema, Options{Limit: 10})
	require.NoError(t, err)
	assert.NotContains(t, q.SQL, "DROP TABLE")

	_, err = Compile("cards", nil, Options{Limit: 10, SortBy: []string{payload}})
	assert.Error(t, err)
}
