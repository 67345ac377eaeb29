package schemasql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lychee-technology/cardbase"
)

const (
	DefaultMaxLimit     = 1000
	DefaultMaxLinkDepth = 4

	mainCTE  = "main"
	rowAlias = "t0"
)

// Options configure one compilation.
type Options struct {
	Limit        int
	Skip         int
	SortBy       []string
	SortDir      cardbase.SortDirection
	MaxLimit     int
	MaxLinkDepth int
	LinksTable   string
	// OrgMembershipsView enables the org membership shortcut when set.
	OrgMembershipsView string
}

// Query is a compiled statement. Every row carries the columns "$node"
// (int), "$parent" and "$link" (uuid text, NULL on node 0), "$card" (jsonb)
// and "$ord" (bigint), ordered by node then "$ord".
type Query struct {
	SQL   string
	Args  []any
	Nodes []LinkNode
}

// LinkNode describes one result set of the statement. Node 0 holds the
// matched cards; every other node holds the cards linked under Name to the
// rows of node Parent.
type LinkNode struct {
	Index   int
	Parent  int
	Name    string
	Columns []string
}

type compiler struct {
	table    string
	links    string
	orgView  string
	opts     Options
	args     []any
	aliasSeq int
	nodes    []LinkNode
	root     *schemaNode
}

// Compile translates a card query schema into a single SELECT over table.
// It performs no I/O and fails with SchemaInvalid on anything it cannot
// translate exactly.
func Compile(table string, schema map[string]any, opts Options) (*Query, error) {
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = DefaultMaxLimit
	}
	if opts.MaxLinkDepth <= 0 {
		opts.MaxLinkDepth = DefaultMaxLinkDepth
	}
	if opts.LinksTable == "" {
		opts.LinksTable = "links"
	}
	if opts.Limit < 0 || opts.Limit > opts.MaxLimit {
		return nil, cardbase.NewLimitInvalidError(opts.Limit, opts.MaxLimit)
	}
	if opts.Skip < 0 {
		return nil, cardbase.NewSchemaInvalidError(fmt.Sprintf("skip must not be negative, got %d", opts.Skip)).WithField("skip")
	}

	tableIdent, err := QuoteIdentifier(table)
	if err != nil {
		return nil, err
	}
	linksIdent, err := QuoteIdentifier(opts.LinksTable)
	if err != nil {
		return nil, err
	}
	c := &compiler{table: tableIdent, links: linksIdent, opts: opts}
	if opts.OrgMembershipsView != "" {
		if c.orgView, err = QuoteIdentifier(opts.OrgMembershipsView); err != nil {
			return nil, err
		}
	}

	if schema == nil {
		schema = map[string]any{}
	}
	p := &parser{maxLinkDepth: opts.MaxLinkDepth}
	root, err := p.parseObject(schema, "")
	if err != nil {
		return nil, err
	}
	if len(p.unsupported) > 0 {
		u := p.unsupported[0]
		return nil, cardbase.NewUnsupportedKeywordError(u.keyword, u.path)
	}
	c.root = root

	where, err := root.render(c, rowValue(rowAlias))
	if err != nil {
		return nil, err
	}
	order, err := c.orderBy(rowAlias)
	if err != nil {
		return nil, err
	}

	cols := SelectedColumns(schema)
	c.nodes = append(c.nodes, LinkNode{Index: 0, Parent: -1, Columns: cols})
	ctes := []string{fmt.Sprintf(
		`%s AS (SELECT %s, row_number() OVER (ORDER BY %s) AS "$ord" FROM %s AS %s WHERE %s ORDER BY %s LIMIT %s OFFSET %s)`,
		mainCTE, selectList(rowAlias, cols), order, c.table, rowAlias, where, order,
		c.param(opts.Limit), c.param(opts.Skip),
	)}
	if root.links != nil {
		linkCTEs, err := c.linkCTEs(root.links, mainCTE, 0)
		if err != nil {
			return nil, err
		}
		ctes = append(ctes, linkCTEs...)
	}

	selects := []string{fmt.Sprintf(
		`SELECT 0 AS "$node", NULL::text AS "$parent", NULL::text AS "$link", to_jsonb(%[1]s) - '$ord' AS "$card", %[1]s."$ord" AS "$ord" FROM %[1]s`,
		mainCTE,
	)}
	for _, n := range c.nodes[1:] {
		cte := linkCTEName(n.Index)
		selects = append(selects, fmt.Sprintf(
			`SELECT %[1]d, %[2]s."$parent"::text, %[2]s."$link"::text, to_jsonb(%[2]s) - '$ord' - '$parent' - '$link', %[2]s."$ord" FROM %[2]s`,
			n.Index, cte,
		))
	}

	sql := "WITH " + strings.Join(ctes, ", ") + " " +
		strings.Join(selects, " UNION ALL ") + ` ORDER BY "$node", "$ord"`

	return &Query{SQL: sql, Args: c.args, Nodes: c.nodes}, nil
}

// HasLinks reports whether the schema carries a top-level $$links clause.
func HasLinks(schema map[string]any) bool {
	_, ok := schema[LinksKeyword]
	return ok
}

// SelectedColumns returns the columns a query selects for schema: only the
// referenced columns (and id) under additionalProperties: false, every
// column otherwise. Columns named inside allOf, anyOf, oneOf or not count
// as referenced so the selected row can be checked against the schema.
func SelectedColumns(schema map[string]any) []string {
	if ap, ok := schema["additionalProperties"].(bool); !ok || ap {
		return CardColumns()
	}
	wanted := map[string]bool{"id": true}
	referencedColumns(schema, wanted)
	out := make([]string, 0, len(wanted))
	for _, col := range cardColumns {
		if wanted[col.name] {
			out = append(out, col.name)
		}
	}
	return out
}

func referencedColumns(schema map[string]any, wanted map[string]bool) {
	if props, ok := schema["properties"].(map[string]any); ok {
		for key := range props {
			wanted[key] = true
		}
	}
	switch req := schema["required"].(type) {
	case []any:
		for _, key := range req {
			if s, ok := key.(string); ok {
				wanted[s] = true
			}
		}
	case []string:
		for _, key := range req {
			wanted[key] = true
		}
	}
	for _, key := range []string{"allOf", "anyOf", "oneOf"} {
		items, _ := schema[key].([]any)
		for _, item := range items {
			if sub, ok := item.(map[string]any); ok {
				referencedColumns(sub, wanted)
			}
		}
	}
	if sub, ok := schema["not"].(map[string]any); ok {
		referencedColumns(sub, wanted)
	}
}

func selectList(alias string, cols []string) string {
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = qualify(alias, col)
	}
	return strings.Join(parts, ", ")
}

func (c *compiler) orderBy(alias string) (string, error) {
	dir := "ASC"
	switch c.opts.SortDir {
	case "", cardbase.SortAsc:
	case cardbase.SortDesc:
		dir = "DESC"
	default:
		return "", cardbase.NewSchemaInvalidError(fmt.Sprintf("unknown sort direction %q", c.opts.SortDir)).WithField("sortDir")
	}

	tiebreak := qualify(alias, "id") + " " + dir
	if len(c.opts.SortBy) == 0 {
		return qualify(alias, "created_at") + " " + dir + ", " + tiebreak, nil
	}

	col, ok := columnsByName[c.opts.SortBy[0]]
	if !ok {
		return "", cardbase.NewSchemaInvalidError(fmt.Sprintf("cannot sort by %q", c.opts.SortBy[0])).WithField("sortBy")
	}
	expr := qualify(alias, col.name)
	if len(c.opts.SortBy) > 1 {
		if col.kind != kindJSON {
			return "", cardbase.NewSchemaInvalidError(fmt.Sprintf("column %q has no nested fields to sort by", col.name)).WithField("sortBy")
		}
		expr = fmt.Sprintf("(%s #> %s::text[])", expr, c.param(c.opts.SortBy[1:]))
	}
	return expr + " " + dir + ", " + tiebreak, nil
}

// param binds v and returns its placeholder.
func (c *compiler) param(v any) string {
	c.args = append(c.args, v)
	return "$" + strconv.Itoa(len(c.args))
}

func (c *compiler) mark() int {
	return len(c.args)
}

// rollback unbinds parameters added since mark; the SQL that referenced them
// must be discarded as well.
func (c *compiler) rollback(mark int) {
	c.args = c.args[:mark]
}

func (c *compiler) alias(prefix string) string {
	c.aliasSeq++
	return prefix + strconv.Itoa(c.aliasSeq)
}

// renderSub renders n and unbinds its parameters when the result is vacuous.
func (c *compiler) renderSub(n node, v value) (string, error) {
	mark := c.mark()
	sql, err := n.render(c, v)
	if err != nil {
		return "", err
	}
	if sql == "TRUE" {
		c.rollback(mark)
	}
	return sql, nil
}
