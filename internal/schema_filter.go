package internal

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/lychee-technology/cardbase"
	"github.com/lychee-technology/cardbase/internal/schemasql"
)

// literalKeywords hold instance values, not sub-schemas.
var literalKeywords = map[string]bool{
	"const": true, "enum": true, "examples": true, "default": true,
}

// CardFilter evaluates a query schema against cards in memory: matching,
// link clauses and additionalProperties projection.
type CardFilter struct {
	schema   map[string]any
	never    bool
	resolved *jsonschema.Resolved
	// links maps each $$links name to its sub-filter; nil marks a negated
	// clause.
	links map[string]*CardFilter
}

// NewCardFilter prepares schema for in-memory evaluation.
func NewCardFilter(schema map[string]any) (*CardFilter, error) {
	if schema == nil {
		schema = map[string]any{}
	}
	f := &CardFilter{schema: schema}

	stripped := stripQueryExtensions(schema).(map[string]any)
	raw, err := json.Marshal(stripped)
	if err != nil {
		return nil, cardbase.NewSchemaInvalidError(fmt.Sprintf("encode schema: %v", err))
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, cardbase.NewSchemaInvalidError(fmt.Sprintf("decode schema: %v", err))
	}
	resolved, err := s.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, cardbase.NewSchemaInvalidError(fmt.Sprintf("resolve schema: %v", err))
	}
	f.resolved = resolved

	if clauses, ok := schema[schemasql.LinksKeyword].(map[string]any); ok {
		f.links = make(map[string]*CardFilter, len(clauses))
		for name, sub := range clauses {
			child, err := linkSubFilter(sub)
			if err != nil {
				return nil, err
			}
			f.links[name] = child
		}
	}
	return f, nil
}

func linkSubFilter(sub any) (*CardFilter, error) {
	switch s := sub.(type) {
	case nil:
		return nil, nil
	case bool:
		if s {
			return NewCardFilter(map[string]any{})
		}
		return &CardFilter{schema: map[string]any{}, never: true}, nil
	case map[string]any:
		return NewCardFilter(s)
	}
	return nil, cardbase.NewSchemaInvalidError(fmt.Sprintf("link sub-schema must be an object, a boolean or null, got %T", sub))
}

// HasLinks reports whether the schema carries $$links clauses.
func (f *CardFilter) HasLinks() bool {
	return len(f.links) > 0
}

// truncated returns f without the link clauses nested deeper than depth.
func (f *CardFilter) truncated(depth int) *CardFilter {
	if f == nil || len(f.links) == 0 {
		return f
	}
	out := *f
	if depth <= 0 {
		out.links = nil
		return &out
	}
	out.links = make(map[string]*CardFilter, len(f.links))
	for name, sub := range f.links {
		out.links[name] = sub.truncated(depth - 1)
	}
	return &out
}

func (f *CardFilter) linkNames() []string {
	names := make([]string, 0, len(f.links))
	for name := range f.links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Matches validates card against the schema, ignoring $$links.
func (f *CardFilter) Matches(card *cardbase.Card) bool {
	if card == nil || f.never {
		return false
	}
	doc, err := cardDocument(card)
	if err != nil {
		return false
	}
	return f.resolved.Validate(doc) == nil
}

// Project applies additionalProperties: false at every object level,
// including the cards resolved under $$links.
func (f *CardFilter) Project(card *cardbase.Card) (*cardbase.Card, error) {
	if card == nil {
		return nil, nil
	}
	doc, err := card.ToMap()
	if err != nil {
		return nil, err
	}
	delete(doc, schemasql.LinksKeyword)
	projected, _ := projectValue(f.schema, doc).(map[string]any)
	projected["id"] = doc["id"]
	out, err := cardbase.CardFromMap(projected)
	if err != nil {
		return nil, err
	}
	for name, linked := range card.Linked {
		sub := f.links[name]
		if out.Linked == nil {
			out.Linked = make(map[string][]*cardbase.Card, len(card.Linked))
		}
		items := make([]*cardbase.Card, 0, len(linked))
		for _, l := range linked {
			p := l
			if sub != nil {
				if p, err = sub.Project(l); err != nil {
					return nil, err
				}
			}
			items = append(items, p)
		}
		out.Linked[name] = items
	}
	return out, nil
}

// cardDocument renders a card as the JSON object schemas are evaluated
// against: every non-null column, with empty collections present.
func cardDocument(card *cardbase.Card) (map[string]any, error) {
	doc, err := card.ToMap()
	if err != nil {
		return nil, err
	}
	delete(doc, schemasql.LinksKeyword)
	for key, empty := range map[string]func() any{
		"tags":         func() any { return []any{} },
		"markers":      func() any { return []any{} },
		"requires":     func() any { return []any{} },
		"capabilities": func() any { return []any{} },
		"links":        func() any { return map[string]any{} },
		"linked_at":    func() any { return map[string]any{} },
		"data":         func() any { return map[string]any{} },
	} {
		if _, ok := doc[key]; !ok {
			doc[key] = empty()
		}
	}
	for key, v := range doc {
		if v == nil {
			delete(doc, key)
		}
	}
	return doc, nil
}

// stripQueryExtensions removes $$links and additionalProperties: false
// from every schema level so the remainder is a plain filter.
func stripQueryExtensions(schema any) any {
	switch s := schema.(type) {
	case map[string]any:
		out := make(map[string]any, len(s))
		for key, v := range s {
			switch {
			case key == schemasql.LinksKeyword:
				continue
			case key == "additionalProperties" && v == false:
				continue
			case literalKeywords[key]:
				out[key] = v
			default:
				out[key] = stripQueryExtensions(v)
			}
		}
		return out
	case []any:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = stripQueryExtensions(v)
		}
		return out
	}
	return schema
}

// projectValue keeps only the declared keys of objects whose schema sets
// additionalProperties: false, recursing through properties.
func projectValue(schema any, value any) any {
	s, ok := schema.(map[string]any)
	if !ok {
		return value
	}
	obj, ok := value.(map[string]any)
	if !ok {
		if items, isList := value.([]any); isList {
			if itemSchema, has := s["items"]; has {
				out := make([]any, len(items))
				for i, item := range items {
					out[i] = projectValue(itemSchema, item)
				}
				return out
			}
		}
		return value
	}

	props, _ := s["properties"].(map[string]any)
	closed := s["additionalProperties"] == false
	keep := map[string]bool{}
	if closed {
		for key := range props {
			keep[key] = true
		}
		for _, key := range requiredKeys(s["required"]) {
			keep[key] = true
		}
	}

	out := make(map[string]any, len(obj))
	for key, v := range obj {
		if closed && !keep[key] {
			continue
		}
		if sub, has := props[key]; has {
			v = projectValue(sub, v)
		}
		out[key] = v
	}
	return out
}

func requiredKeys(raw any) []string {
	switch r := raw.(type) {
	case []string:
		return r
	case []any:
		keys := make([]string, 0, len(r))
		for _, item := range r {
			if s, ok := item.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	}
	return nil
}
