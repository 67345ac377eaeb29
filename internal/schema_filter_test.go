package internal

import (
	"testing"

	"github.com/google/uuid"
	"github.com/lychee-technology/cardbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestCardFilter_Matches(t *testing.T) {
	card := &cardbase.Card{
		ID:      uuid.New(),
		Slug:    "alice",
		Type:    "user@1.0.0",
		Version: "1.0.0",
		Active:  true,
		Tags:    []string{"admin"},
		Data:    map[string]any{"email": "alice@example.com", "age": 31},
	}

	tests := []struct {
		name   string
		schema map[string]any
		want   bool
	}{
		{name: "empty schema", schema: map[string]any{}, want: true},
		{name: "type const", schema: map[string]any{"properties": map[string]any{"type": map[string]any{"const": "user@1.0.0"}}}, want: true},
		{name: "wrong type", schema: map[string]any{"properties": map[string]any{"type": map[string]any{"const": "org@1.0.0"}}}, want: false},
		{name: "slug pattern", schema: map[string]any{"properties": map[string]any{"slug": map[string]any{"pattern": "^ali"}}}, want: true},
		{name: "nested data", schema: map[string]any{"properties": map[string]any{"data": map[string]any{
			"properties": map[string]any{"age": map[string]any{"minimum": 40}},
		}}}, want: false},
		{name: "required absent name", schema: map[string]any{"required": []any{"name"}}, want: false},
		{name: "tags contains", schema: map[string]any{"properties": map[string]any{"tags": map[string]any{"contains": map[string]any{"const": "admin"}}}}, want: true},
		{name: "empty markers present", schema: map[string]any{"required": []any{"markers"}}, want: true},
		{name: "closed object still matches", schema: map[string]any{
			"additionalProperties": false,
			"properties":           map[string]any{"slug": map[string]any{"type": "string"}},
		}, want: true},
		{name: "links are ignored", schema: map[string]any{"$$links": map[string]any{"is member of": map[string]any{}}}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewCardFilter(tt.schema)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Matches(card))
		})
	}

	f, err := NewCardFilter(nil)
	require.NoError(t, err)
	assert.False(t, f.Matches(nil))
}

func TestCardFilter_LinkClauses(t *testing.T) {
	f, err := NewCardFilter(map[string]any{
		"$$links": map[string]any{
			"is member of": map[string]any{"properties": map[string]any{"slug": map[string]any{"const": "acme"}}},
			"owns":         false,
			"blocks":       nil,
		},
	})
	require.NoError(t, err)
	assert.True(t, f.HasLinks())
	assert.Equal(t, []string{"blocks", "is member of", "owns"}, f.linkNames())
	assert.Nil(t, f.links["blocks"])
	assert.True(t, f.links["owns"].never)
	assert.False(t, f.links["owns"].Matches(&cardbase.Card{ID: uuid.New()}))

	_, err = NewCardFilter(map[string]any{"$$links": map[string]any{"x": 42}})
	require.Error(t, err)
	assert.True(t, cardbase.IsSchemaInvalidError(err))
}

func TestCardFilter_ConstLiteralsKept(t *testing.T) {
	// an object const must not be treated as a schema with $$links stripped
	f, err := NewCardFilter(map[string]any{
		"properties": map[string]any{"data": map[string]any{"const": map[string]any{"$$links": "x"}}},
	})
	require.NoError(t, err)
	assert.True(t, f.Matches(&cardbase.Card{ID: uuid.New(), Data: map[string]any{"$$links": "x"}}))
	assert.False(t, f.Matches(&cardbase.Card{ID: uuid.New(), Data: map[string]any{}}))
}

func TestCardFilter_Project(t *testing.T) {
	org := &cardbase.Card{ID: uuid.New(), Slug: "acme", Type: "org@1.0.0", Name: strPtr("Acme"), Data: map[string]any{"plan": "pro"}}
	card := &cardbase.Card{
		ID:     uuid.New(),
		Slug:   "alice",
		Type:   "user@1.0.0",
		Active: true,
		Name:   strPtr("Alice"),
		Data:   map[string]any{"email": "alice@example.com", "secret": "x"},
		Linked: map[string][]*cardbase.Card{"is member of": {org}},
	}

	f, err := NewCardFilter(map[string]any{
		"additionalProperties": false,
		"properties": map[string]any{
			"slug": map[string]any{"type": "string"},
			"data": map[string]any{
				"additionalProperties": false,
				"properties":           map[string]any{"email": map[string]any{"type": "string"}},
			},
		},
		"$$links": map[string]any{
			"is member of": map[string]any{
				"additionalProperties": false,
				"required":             []any{"slug"},
			},
		},
	})
	require.NoError(t, err)

	out, err := f.Project(card)
	require.NoError(t, err)
	assert.Equal(t, card.ID, out.ID)
	assert.Equal(t, "alice", out.Slug)
	assert.Empty(t, out.Type)
	assert.Nil(t, out.Name)
	assert.Equal(t, map[string]any{"email": "alice@example.com"}, out.Data)

	require.Len(t, out.Linked["is member of"], 1)
	linked := out.Linked["is member of"][0]
	assert.Equal(t, org.ID, linked.ID)
	assert.Equal(t, "acme", linked.Slug)
	assert.Nil(t, linked.Name)
	assert.Nil(t, linked.Data)

	// input is untouched
	assert.Equal(t, "x", card.Data["secret"])

	open, err := NewCardFilter(map[string]any{})
	require.NoError(t, err)
	full, err := open.Project(card)
	require.NoError(t, err)
	assert.Equal(t, "x", full.Data["secret"])
	assert.Equal(t, "Acme", *full.Linked["is member of"][0].Name)

	none, err := open.Project(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestProjectValue_Items(t *testing.T) {
	schema := map[string]any{
		"items": map[string]any{
			"additionalProperties": false,
			"properties":           map[string]any{"a": true},
		},
	}
	got := projectValue(schema, []any{map[string]any{"a": 1, "b": 2}})
	assert.Equal(t, []any{map[string]any{"a": 1}}, got)
}
