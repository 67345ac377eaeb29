package internal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/cardbase"
	"github.com/lychee-technology/cardbase/internal/schemasql"
	"go.uber.org/zap"
)

// Query returns the cards matching schema. The limit is checked before any
// I/O, and a zero limit returns no cards without touching the store.
func (b *Backend) Query(ctx context.Context, schema map[string]any, opts cardbase.QueryOptions) ([]*cardbase.Card, error) {
	limit := b.cfg.Query.DefaultLimit
	if opts.Limit != nil {
		limit = *opts.Limit
	}
	if limit < 0 || limit > b.cfg.Query.MaxLimit {
		return nil, cardbase.NewLimitInvalidError(limit, b.cfg.Query.MaxLimit)
	}
	if limit == 0 {
		return []*cardbase.Card{}, nil
	}

	schema = withDefaultView(schema)
	start := time.Now()
	q, err := b.compile(schema, limit, opts)
	if err != nil {
		return nil, err
	}
	filter, err := NewCardFilter(schema)
	if err != nil {
		return nil, err
	}
	EmitLatency(ctx, stageCompile, start)
	deps, err := b.active()
	if err != nil {
		return nil, err
	}

	if opts.Skip == 0 && evaluatedExactly(schema, true) {
		start = time.Now()
		if card, ok, err := b.pointLookup(ctx, schema); err != nil {
			return nil, err
		} else if ok {
			out, err := b.evaluatePoint(ctx, card, filter)
			if err == nil {
				EmitLatency(ctx, stagePointLookup, start)
				EmitRowCount(ctx, sourceLookup, len(out))
			}
			return out, err
		}
	}

	start = time.Now()
	cards, err := runCompiled(ctx, deps.pool, q, b.cfg.Query.StatementTimeout)
	if err != nil {
		return nil, err
	}
	EmitLatency(ctx, stageExecute, start)
	EmitRowCount(ctx, sourceSQL, len(cards))
	out := make([]*cardbase.Card, 0, len(cards))
	for _, card := range cards {
		if !postFilter(card, filter) {
			zap.S().Warnw("dropping row the schema rejects", "id", card.ID)
			continue
		}
		projected, err := filter.Project(card)
		if err != nil {
			return nil, err
		}
		out = append(out, projected)
	}
	return out, nil
}

func (b *Backend) compile(schema map[string]any, limit int, opts cardbase.QueryOptions) (*schemasql.Query, error) {
	return b.compileDepth(schema, limit, opts, b.cfg.Query.MaxLinkDepth)
}

func (b *Backend) compileDepth(schema map[string]any, limit int, opts cardbase.QueryOptions, linkDepth int) (*schemasql.Query, error) {
	names := b.cfg.Database.TableNames
	return schemasql.Compile(names.Cards, schema, schemasql.Options{
		Limit:              limit,
		Skip:               opts.Skip,
		SortBy:             opts.SortBy,
		SortDir:            opts.SortDir,
		MaxLimit:           b.cfg.Query.MaxLimit,
		MaxLinkDepth:       linkDepth,
		LinksTable:         names.Links,
		OrgMembershipsView: names.OrgMemberships,
	})
}

// pointLookup serves schemas pinned to one card by an id const or a slug
// and version const pair from the cache-backed lookup path.
func (b *Backend) pointLookup(ctx context.Context, schema map[string]any) (*cardbase.Card, bool, error) {
	props, _ := schema["properties"].(map[string]any)
	if id, ok := constString(props["id"]); ok {
		parsed, err := uuid.Parse(id)
		if err != nil {
			// no card can match; let the compiled query answer
			return nil, false, nil
		}
		card, err := b.lookup.ByID(ctx, parsed)
		return card, true, err
	}
	slug, okSlug := constString(props["slug"])
	version, okVersion := constString(props["version"])
	if okSlug && okVersion {
		card, err := b.lookup.BySlug(ctx, slug, version)
		return card, true, err
	}
	return nil, false, nil
}

func (b *Backend) evaluatePoint(ctx context.Context, card *cardbase.Card, filter *CardFilter) ([]*cardbase.Card, error) {
	if !filter.Matches(card) {
		return []*cardbase.Card{}, nil
	}
	resolved, err := b.evaluator.EvaluateCard(ctx, card, filter)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return []*cardbase.Card{}, nil
	}
	projected, err := filter.Project(resolved)
	if err != nil {
		return nil, err
	}
	zap.S().Debugw("query served by point lookup", "id", card.ID)
	return []*cardbase.Card{projected}, nil
}

// postFilter checks a row returned by the compiled query against the
// schema, keeping only the linked cards their clause accepts. A card whose
// positive link clause is left without linked cards is dropped.
func postFilter(card *cardbase.Card, filter *CardFilter) bool {
	if !filter.Matches(card) {
		return false
	}
	for name, sub := range filter.links {
		if sub == nil {
			continue
		}
		kept := card.Linked[name][:0]
		for _, linked := range card.Linked[name] {
			if postFilter(linked, sub) {
				kept = append(kept, linked)
			}
		}
		if len(kept) == 0 {
			return false
		}
		card.Linked[name] = kept
	}
	return true
}

// exactKeywords are the assertions CardFilter evaluates the same way the
// compiled SQL does. format and pattern are not among them: the in-memory
// validator skips format and runs pattern as RE2.
var exactKeywords = map[string]bool{
	"type": true, "const": true, "enum": true, "required": true,
}

// timestampColumns render differently in Go and in Postgres, so consts on
// them are left to the compiled query.
var timestampColumns = map[string]bool{
	"created_at": true, "updated_at": true, "linked_at": true,
}

// evaluatedExactly reports whether the in-memory filter gives the same
// answer as the compiled query for schema. Only such schemas may be served
// by the point lookup path.
func evaluatedExactly(schema any, card bool) bool {
	s, ok := schema.(map[string]any)
	if !ok {
		_, isBool := schema.(bool)
		return isBool
	}
	for key, v := range s {
		switch {
		case exactKeywords[key], schemasql.IsAnnotation(key):
		case key == "additionalProperties":
			if _, ok := v.(bool); !ok {
				return false
			}
		case key == "properties":
			props, ok := v.(map[string]any)
			if !ok {
				return false
			}
			for name, sub := range props {
				if card && timestampColumns[name] {
					return false
				}
				if !evaluatedExactly(sub, false) {
					return false
				}
			}
		case key == "allOf", key == "anyOf", key == "oneOf":
			items, ok := v.([]any)
			if !ok {
				return false
			}
			for _, item := range items {
				if !evaluatedExactly(item, card) {
					return false
				}
			}
		case key == "not":
			if !evaluatedExactly(v, card) {
				return false
			}
		case key == schemasql.LinksKeyword && card:
			clauses, ok := v.(map[string]any)
			if !ok {
				return false
			}
			for _, sub := range clauses {
				if sub != nil && !evaluatedExactly(sub, true) {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

func constString(schema any) (string, bool) {
	s, ok := schema.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := s["const"].(string)
	return v, ok
}

// withDefaultView restricts schema to active cards unless it says
// something about active itself. The restriction is added under allOf so
// it does not widen an additionalProperties projection. Link sub-schemas
// get the same treatment.
func withDefaultView(schema map[string]any) map[string]any {
	if schema == nil {
		schema = map[string]any{}
	}
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}

	props, _ := schema["properties"].(map[string]any)
	if _, mentioned := props["active"]; !mentioned {
		restriction := map[string]any{
			"properties": map[string]any{"active": map[string]any{"const": true}},
		}
		switch existing := schema["allOf"].(type) {
		case []any:
			out["allOf"] = append(append([]any{}, existing...), restriction)
		case nil:
			out["allOf"] = []any{restriction}
		default:
			// malformed allOf is reported by the compiler
		}
	}

	if clauses, ok := schema[schemasql.LinksKeyword].(map[string]any); ok {
		links := make(map[string]any, len(clauses))
		for name, sub := range clauses {
			if m, ok := sub.(map[string]any); ok {
				links[name] = withDefaultView(m)
				continue
			}
			links[name] = sub
		}
		out[schemasql.LinksKeyword] = links
	}
	return out
}

// Stream opens a live query. The schema is compiled up front so invalid
// schemas fail here rather than on the first change.
func (b *Backend) Stream(ctx context.Context, schema map[string]any) (cardbase.Stream, error) {
	schema = withDefaultView(schema)
	if _, err := b.compile(schema, 1, cardbase.QueryOptions{}); err != nil {
		return nil, err
	}
	filter, err := NewCardFilter(schema)
	if err != nil {
		return nil, err
	}
	deps, err := b.active()
	if err != nil {
		return nil, err
	}
	if deps.feed == nil {
		return nil, cardbase.NewConnectionError("change feed is not running", nil)
	}

	var hydrate hydrateFunc
	if filter.HasLinks() {
		hydrate = func(ctx context.Context, id uuid.UUID) (*cardbase.Card, error) {
			return b.hydrate(ctx, deps, schema, filter, id)
		}
	}
	s := newLiveStream(ctx, filter, hydrate, b.cfg.Stream, func(id uuid.UUID) {
		deps.feed.RemoveListener(id)
		b.streamsMu.Lock()
		delete(b.streams, id)
		b.streamsMu.Unlock()
	})
	b.streamsMu.Lock()
	b.streams[s.ID()] = s
	b.streamsMu.Unlock()
	deps.feed.AddListener(s.ID(), s)
	zap.S().Debugw("stream opened", "stream", s.ID(), "links", filter.HasLinks())
	return s, nil
}

// hydrationDepth bounds the links resolved for a stream change. Deeper
// clauses are cut off before compiling.
const hydrationDepth = 1

// hydrate runs schema pinned to one card id through the compiled path so
// the result reflects the committed link state. It uses the dependencies
// captured when the stream opened and never takes the backend lock, which
// Disconnect holds while it waits for hydration to finish.
func (b *Backend) hydrate(ctx context.Context, deps backendDeps, schema map[string]any, filter *CardFilter, id uuid.UUID) (*cardbase.Card, error) {
	pinned := truncateLinks(schema, hydrationDepth)
	pin := map[string]any{"properties": map[string]any{"id": map[string]any{"const": id.String()}}}
	allOf, _ := schema["allOf"].([]any)
	pinned["allOf"] = append(append([]any{}, allOf...), pin)

	q, err := b.compileDepth(pinned, 1, cardbase.QueryOptions{}, hydrationDepth)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	cards, err := runCompiled(ctx, deps.pool, q, b.cfg.Query.StatementTimeout)
	if err != nil {
		return nil, err
	}
	EmitLatency(ctx, stageHydrate, start)
	if len(cards) == 0 || !postFilter(cards[0], filter.truncated(hydrationDepth)) {
		return nil, nil
	}
	return filter.Project(cards[0])
}

// truncateLinks copies schema without the $$links clauses nested deeper
// than depth.
func truncateLinks(schema map[string]any, depth int) map[string]any {
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	clauses, ok := schema[schemasql.LinksKeyword].(map[string]any)
	if !ok {
		return out
	}
	if depth <= 0 {
		delete(out, schemasql.LinksKeyword)
		return out
	}
	links := make(map[string]any, len(clauses))
	for name, sub := range clauses {
		if m, ok := sub.(map[string]any); ok {
			sub = truncateLinks(m, depth-1)
		}
		links[name] = sub
	}
	out[schemasql.LinksKeyword] = links
	return out
}
