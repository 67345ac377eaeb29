package schemasql

import (
	"fmt"
	"strconv"
)

type linkClause struct {
	name string
	// negated clauses (null sub-schema) require that no such link exists.
	negated bool
	sub     node
	raw     any
}

type linksNode struct {
	path    string
	clauses []linkClause
}

func linkCTEName(index int) string {
	return "l" + strconv.Itoa(index)
}

// renderLinkFilter renders the $$links clauses of n as conditions on the
// card row v.
func (c *compiler) renderLinkFilter(n *schemaNode, v value) (string, error) {
	mark := c.mark()
	parts := make([]string, 0, len(n.links.clauses))
	for _, clause := range n.links.clauses {
		if clause.negated {
			parts = append(parts, c.noLinkExists(clause.name, v))
			continue
		}
		if n == c.root {
			if sql, ok := c.matchShortcut(n, clause, v); ok {
				parts = append(parts, sql)
				continue
			}
		}
		outgoing, err := c.linkExists(clause, v, "from_id", "to_id", "name")
		if err != nil {
			return "", err
		}
		incoming, err := c.linkExists(clause, v, "to_id", "from_id", "inverse_name")
		if err != nil {
			return "", err
		}
		if outgoing == "FALSE" && incoming == "FALSE" {
			c.rollback(mark)
			return "FALSE", nil
		}
		parts = append(parts, or([]string{outgoing, incoming}))
	}
	return and(parts), nil
}

func (c *compiler) noLinkExists(name string, v value) string {
	e := c.alias("e")
	p := c.param(name)
	id := qualify(v.alias, "id")
	return fmt.Sprintf(
		`NOT EXISTS (SELECT 1 FROM %s AS %s WHERE (%s = %s AND %s = %s) OR (%s = %s AND %s = %s))`,
		c.links, e,
		qualify(e, "name"), p, qualify(e, "from_id"), id,
		qualify(e, "inverse_name"), p, qualify(e, "to_id"), id,
	)
}

// linkExists renders one traversal direction: an edge whose near end is the
// parent row, named nameCol, leading to a card matching the clause.
func (c *compiler) linkExists(clause linkClause, parent value, near, far, nameCol string) (string, error) {
	mark := c.mark()
	e := c.alias("e")
	t := c.alias("c")
	nameParam := c.param(clause.name)
	filter, err := clause.sub.render(c, rowValue(t))
	if err != nil {
		return "", err
	}
	if filter == "FALSE" {
		c.rollback(mark)
		return "FALSE", nil
	}
	cond := ""
	if filter != "TRUE" {
		cond = " AND " + filter
	}
	return fmt.Sprintf(
		`EXISTS (SELECT 1 FROM %s AS %s JOIN %s AS %s ON %s = %s WHERE %s = %s AND %s = %s%s)`,
		c.links, e, c.table, t, qualify(t, "id"), qualify(e, far),
		qualify(e, nameCol), nameParam, qualify(e, near), qualify(parent.alias, "id"), cond,
	), nil
}

// linkCTEs renders one CTE per non-negated clause holding the linked cards
// of every row in parentCTE, recursing into nested $$links.
func (c *compiler) linkCTEs(links *linksNode, parentCTE string, parentNode int) ([]string, error) {
	var out []string
	for _, clause := range links.clauses {
		if clause.negated {
			continue
		}
		index := len(c.nodes)
		name := linkCTEName(index)
		cols := CardColumns()
		sub, _ := clause.sub.(*schemaNode)
		if sub != nil {
			cols = SelectedColumns(sub.raw)
		}
		c.nodes = append(c.nodes, LinkNode{Index: index, Parent: parentNode, Name: clause.name, Columns: cols})

		nameParam := c.param(clause.name)
		all := selectList("lc", CardColumns())
		inner := fmt.Sprintf(
			`SELECT le."from_id" AS "$parent", le."id" AS "$link", %[1]s FROM %[2]s AS le JOIN %[3]s AS lc ON lc."id" = le."to_id" WHERE le."name" = %[4]s AND le."from_id" IN (SELECT "id" FROM %[5]s)`+
				` UNION ALL `+
				`SELECT le."to_id" AS "$parent", le."id" AS "$link", %[1]s FROM %[2]s AS le JOIN %[3]s AS lc ON lc."id" = le."from_id" WHERE le."inverse_name" = %[4]s AND le."to_id" IN (SELECT "id" FROM %[5]s)`,
			all, c.links, c.table, nameParam, parentCTE,
		)

		filter, err := clause.sub.render(c, rowValue("l"))
		if err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf(
			`%s AS (SELECT l."$parent", l."$link", %s, row_number() OVER (PARTITION BY l."$parent" ORDER BY l."created_at", l."id") AS "$ord" FROM (%s) AS l WHERE %s)`,
			name, selectList("l", cols), inner, filter,
		))

		if sub != nil && sub.links != nil {
			nested, err := c.linkCTEs(sub.links, name, index)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		}
	}
	return out, nil
}

// matchShortcut tries every view shortcut against a root-level clause.
func (c *compiler) matchShortcut(root *schemaNode, clause linkClause, v value) (string, bool) {
	for _, shortcut := range viewShortcuts {
		if sql, ok := shortcut(c, root, clause, v); ok {
			return sql, true
		}
	}
	return "", false
}
