package internal

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/lychee-technology/cardbase"
	"go.uber.org/zap"
)

// maxIdentifierLength is the Postgres NAMEDATALEN limit minus one.
const maxIdentifierLength = 63

type viewPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// indexDef is one index the backend maintains.
type indexDef struct {
	name string
	ddl  string
}

// ViewManager maintains indexes and the materialized views derived from
// the card and link tables.
type ViewManager struct {
	pool  viewPool
	names cardbase.TableNames
}

// NewViewManager creates a view manager for the configured relations.
func NewViewManager(pool viewPool, names cardbase.TableNames) *ViewManager {
	return &ViewManager{pool: pool, names: names}
}

func (m *ViewManager) baseIndexes() []indexDef {
	cards := sanitizeIdentifier(m.names.Cards)
	links := sanitizeIdentifier(m.names.Links)
	prefix := m.names.IndexNamePrefix

	defs := []struct {
		suffix, table, expr string
	}{
		{"type_idx", cards, "(type)"},
		{"created_at_idx", cards, "(created_at DESC, id DESC)"},
		{"data_gin_idx", cards, "USING GIN (data jsonb_path_ops)"},
		{"tags_gin_idx", cards, "USING GIN (tags)"},
		{"links_from_idx", links, "(from_id, name)"},
		{"links_to_idx", links, "(to_id, inverse_name)"},
		{"links_slug_idx", links, "(slug)"},
	}
	out := make([]indexDef, 0, len(defs))
	for _, d := range defs {
		name := indexName(prefix, d.suffix)
		out = append(out, indexDef{
			name: name,
			ddl:  fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s %s", sanitizeIdentifier(name), d.table, d.expr),
		})
	}
	return out
}

// EnsureIndexes creates the base indexes that pg_indexes does not list yet.
func (m *ViewManager) EnsureIndexes(ctx context.Context) error {
	return m.ensure(ctx, m.baseIndexes())
}

// EnsureTypeIndexes creates the partial indexes a type card asks for:
// one B-tree per data.indexed_fields group and one full-text GIN index per
// schema property marked fullTextSearch.
func (m *ViewManager) EnsureTypeIndexes(ctx context.Context, typeCard *cardbase.Card) error {
	defs := typeIndexes(m.names, typeCard)
	if len(defs) == 0 {
		return nil
	}
	return m.ensure(ctx, defs)
}

func (m *ViewManager) ensure(ctx context.Context, defs []indexDef) error {
	existing, err := m.existingIndexes(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if existing[def.name] {
			continue
		}
		if _, err := m.pool.Exec(ctx, def.ddl); err != nil {
			return fmt.Errorf("create index %s: %w", def.name, err)
		}
		zap.S().Infow("index created", "index", def.name)
	}
	return nil
}

func (m *ViewManager) existingIndexes(ctx context.Context) (map[string]bool, error) {
	rows, err := m.pool.Query(ctx,
		"SELECT indexname FROM pg_indexes WHERE tablename = ANY($1)",
		[]string{m.names.Cards, m.names.Links})
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan index name: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

func typeIndexes(names cardbase.TableNames, typeCard *cardbase.Card) []indexDef {
	if typeCard == nil || typeCard.BaseType() != cardbase.TypeType {
		return nil
	}
	cards := sanitizeIdentifier(names.Cards)
	typeRef := typeCard.Slug + "@" + typeCard.Version
	where := fmt.Sprintf("WHERE type = %s", pq.QuoteLiteral(typeRef))

	var out []indexDef
	for _, group := range indexedFieldGroups(typeCard.Data["indexed_fields"]) {
		exprs := make([]string, len(group))
		for i, field := range group {
			exprs[i] = fmt.Sprintf("(data->>%s)", pq.QuoteLiteral(field))
		}
		name := indexName(names.IndexNamePrefix, typeRef, strings.Join(group, "_"), "idx")
		out = append(out, indexDef{
			name: name,
			ddl: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s) %s",
				sanitizeIdentifier(name), cards, strings.Join(exprs, ", "), where),
		})
	}

	for _, field := range fullTextFields(typeCard.Data["schema"]) {
		name := indexName(names.IndexNamePrefix, typeRef, field, "fts_idx")
		out = append(out, indexDef{
			name: name,
			ddl: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (to_tsvector('english', coalesce(data->>%s, ''))) %s",
				sanitizeIdentifier(name), cards, pq.QuoteLiteral(field), where),
		})
	}
	return out
}

func indexedFieldGroups(raw any) [][]string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out [][]string
	for _, item := range list {
		var group []string
		switch g := item.(type) {
		case string:
			group = []string{g}
		case []any:
			for _, f := range g {
				if s, ok := f.(string); ok && s != "" {
					group = append(group, s)
				}
			}
		}
		if len(group) > 0 {
			out = append(out, group)
		}
	}
	return out
}

func fullTextFields(schema any) []string {
	s, ok := schema.(map[string]any)
	if !ok {
		return nil
	}
	props, _ := s["properties"].(map[string]any)
	var out []string
	for name, p := range props {
		if prop, ok := p.(map[string]any); ok && prop["fullTextSearch"] == true {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

var nonIdentifierChars = regexp.MustCompile(`[^a-z0-9_]+`)

// indexName joins parts into a valid identifier, replacing the tail with a
// hash when the result would be truncated by Postgres.
func indexName(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(nonIdentifierChars.ReplaceAllString(strings.ToLower(p), "_"), "_")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	name := strings.Join(cleaned, "_")
	if len(name) <= maxIdentifierLength {
		return name
	}
	suffix := fmt.Sprintf("_%016x", xxhash.Sum64String(name))
	return strings.TrimRight(name[:maxIdentifierLength-len(suffix)], "_") + suffix
}

// viewStatements renders the materialized views and their unique indexes.
func viewStatements(names cardbase.TableNames) []string {
	cards := sanitizeIdentifier(names.Cards)
	links := sanitizeIdentifier(names.Links)
	orgs := sanitizeIdentifier(names.OrgMemberships)
	pending := sanitizeIdentifier(names.PendingRequests)

	return []string{
		fmt.Sprintf(`CREATE MATERIALIZED VIEW IF NOT EXISTS %s AS
			SELECT DISTINCT m.user_id, m.org_id, o.slug AS org_slug
			FROM (
				SELECT l.from_id AS user_id, l.to_id AS org_id FROM %s AS l WHERE l.name = %s
				UNION
				SELECT l.to_id AS user_id, l.from_id AS org_id FROM %s AS l WHERE l.name = %s
			) AS m
			JOIN %s AS o ON o.id = m.org_id
			WHERE o.active AND split_part(o.type, '@', 1) = %s`,
			orgs,
			links, pq.QuoteLiteral(cardbase.LinkIsMemberOf),
			links, pq.QuoteLiteral(cardbase.LinkHasMember),
			cards, pq.QuoteLiteral(cardbase.TypeOrg)),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (user_id, org_id)",
			sanitizeIdentifier(indexName(names.OrgMemberships, "user_org_idx")), orgs),

		fmt.Sprintf(`CREATE MATERIALIZED VIEW IF NOT EXISTS %s AS
			SELECT c.id, c.slug, c.created_at
			FROM %s AS c
			WHERE c.active AND split_part(c.type, '@', 1) = %s
			AND NOT EXISTS (
				SELECT 1 FROM %s AS l
				WHERE (l.from_id = c.id AND l.name = %s)
				OR (l.to_id = c.id AND l.inverse_name = %s)
			)`,
			pending, cards, pq.QuoteLiteral(cardbase.TypeActionRequest),
			links, pq.QuoteLiteral(cardbase.LinkIsExecutedBy), pq.QuoteLiteral(cardbase.LinkIsExecutedBy)),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (id)",
			sanitizeIdentifier(indexName(names.PendingRequests, "id_idx")), pending),
	}
}

// affectedViews lists the materialized views a written card can change.
func affectedViews(names cardbase.TableNames, card *cardbase.Card) []string {
	if card == nil {
		return nil
	}
	switch card.BaseType() {
	case cardbase.TypeOrg:
		return []string{names.OrgMemberships}
	case cardbase.TypeActionRequest:
		return []string{names.PendingRequests}
	case cardbase.TypeLink:
		var out []string
		linkNames := map[string]bool{}
		if card.Name != nil {
			linkNames[*card.Name] = true
		}
		if inverse, ok := card.Data["inverseName"].(string); ok {
			linkNames[inverse] = true
		}
		if linkNames[cardbase.LinkIsMemberOf] || linkNames[cardbase.LinkHasMember] {
			out = append(out, names.OrgMemberships)
		}
		if linkNames[cardbase.LinkIsExecutedBy] || linkNames[cardbase.LinkExecutes] {
			out = append(out, names.PendingRequests)
		}
		return out
	}
	return nil
}
