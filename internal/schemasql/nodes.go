package schemasql

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lychee-technology/cardbase"
)

// node is one keyword (or whole schema) in the parsed tree. render returns a
// boolean SQL expression over v. A result of exactly "TRUE" binds no
// parameters.
type node interface {
	render(c *compiler, v value) (string, error)
}

// schemaNode is an object schema: the conjunction of its keywords.
type schemaNode struct {
	path     string
	raw      map[string]any
	keywords []node
	links    *linksNode
}

func (n *schemaNode) render(c *compiler, v value) (string, error) {
	parts := make([]string, 0, len(n.keywords)+1)
	for _, kw := range n.keywords {
		sql, err := c.renderSub(kw, v)
		if err != nil {
			return "", err
		}
		if sql != "TRUE" {
			parts = append(parts, sql)
		}
	}
	if n.links != nil {
		if v.kind != kindRow {
			return "", cardbase.NewUnsupportedKeywordError(LinksKeyword, n.path)
		}
		sql, err := c.renderLinkFilter(n, v)
		if err != nil {
			return "", err
		}
		if sql != "TRUE" {
			parts = append(parts, sql)
		}
	}
	return and(parts), nil
}

type boolNode bool

func (n boolNode) render(*compiler, value) (string, error) {
	if n {
		return "TRUE", nil
	}
	return "FALSE", nil
}

// unsupportedNode fails compilation wherever it is reached.
type unsupportedNode struct {
	keyword string
	path    string
}

func (n unsupportedNode) render(*compiler, value) (string, error) {
	return "", cardbase.NewUnsupportedKeywordError(n.keyword, n.path)
}

type typeNode struct {
	types []string
}

func (n typeNode) render(_ *compiler, v value) (string, error) {
	if st := v.staticType(); st != "" {
		for _, t := range n.types {
			if t == st {
				return "TRUE", nil
			}
		}
		return "FALSE", nil
	}
	conds := make([]string, 0, len(n.types))
	for _, t := range n.types {
		if t == "integer" {
			conds = append(conds, fmt.Sprintf(
				"CASE WHEN jsonb_typeof(%[1]s) = 'number' THEN (%[1]s)::numeric = trunc((%[1]s)::numeric) ELSE FALSE END", v.expr))
			continue
		}
		conds = append(conds, fmt.Sprintf("jsonb_typeof(%s) = '%s'", v.expr, t))
	}
	return or(conds), nil
}

type constNode struct {
	value any
}

func (n constNode) render(c *compiler, v value) (string, error) {
	switch v.kind {
	case kindRow:
		return "", cardbase.NewSchemaInvalidError("const cannot constrain a whole card")
	case kindText:
		s, ok := n.value.(string)
		if !ok {
			return "FALSE", nil
		}
		return fmt.Sprintf("%s = %s", v.expr, c.param(s)), nil
	case kindUUID:
		s, ok := n.value.(string)
		if !ok {
			return "FALSE", nil
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return "FALSE", nil
		}
		return fmt.Sprintf("%s = %s::uuid", v.expr, c.param(id)), nil
	case kindBool:
		b, ok := n.value.(bool)
		if !ok {
			return "FALSE", nil
		}
		return fmt.Sprintf("%s = %s", v.expr, c.param(b)), nil
	}
	raw, err := json.Marshal(n.value)
	if err != nil {
		return "", cardbase.NewSchemaInvalidError(fmt.Sprintf("const value cannot be encoded: %v", err))
	}
	return fmt.Sprintf("%s = %s::jsonb", v.jsonExpr(), c.param(string(raw))), nil
}

type enumNode struct {
	values []any
}

func (n enumNode) render(c *compiler, v value) (string, error) {
	if v.kind == kindRow {
		return "", cardbase.NewSchemaInvalidError("enum cannot constrain a whole card")
	}
	conds := make([]string, 0, len(n.values))
	for _, item := range n.values {
		sql, err := constNode{value: item}.render(c, v)
		if err != nil {
			return "", err
		}
		if sql != "FALSE" {
			conds = append(conds, sql)
		}
	}
	if len(conds) == 0 {
		return "FALSE", nil
	}
	return or(conds), nil
}

type patternNode struct {
	pattern string
}

func (n patternNode) render(c *compiler, v value) (string, error) {
	return guard(v, "string", func() (string, error) {
		return fmt.Sprintf("%s ~ %s", v.textExpr(), c.param(n.pattern)), nil
	})
}

type formatNode struct {
	name    string
	pattern string
}

func (n formatNode) render(c *compiler, v value) (string, error) {
	return guard(v, "string", func() (string, error) {
		return fmt.Sprintf("%s ~ %s", v.textExpr(), c.param(n.pattern)), nil
	})
}

type lengthNode struct {
	op string
	n  int
}

func (n lengthNode) render(c *compiler, v value) (string, error) {
	return guard(v, "string", func() (string, error) {
		return fmt.Sprintf("char_length(%s) %s %s", v.textExpr(), n.op, c.param(n.n)), nil
	})
}

type boundNode struct {
	op string
	n  float64
}

func (n boundNode) render(c *compiler, v value) (string, error) {
	return guard(v, "number", func() (string, error) {
		return fmt.Sprintf("(%s)::numeric %s %s::numeric", v.expr, n.op, c.param(n.n)), nil
	})
}

type multipleOfNode struct {
	n float64
}

func (n multipleOfNode) render(c *compiler, v value) (string, error) {
	return guard(v, "number", func() (string, error) {
		return fmt.Sprintf("mod((%s)::numeric, %s::numeric) = 0", v.expr, c.param(n.n)), nil
	})
}

type requiredNode struct {
	keys []string
}

func (n requiredNode) render(c *compiler, v value) (string, error) {
	if len(n.keys) == 0 {
		return "TRUE", nil
	}
	if v.kind == kindRow {
		parts := make([]string, 0, len(n.keys))
		for _, key := range n.keys {
			col, ok := columnsByName[key]
			if !ok {
				return "FALSE", nil
			}
			if col.nullable {
				parts = append(parts, qualify(v.alias, key)+" IS NOT NULL")
			}
		}
		return and(parts), nil
	}
	return guard(v, "object", func() (string, error) {
		return fmt.Sprintf("%s ?& %s::text[]", v.expr, c.param(n.keys)), nil
	})
}

type propertiesNode struct {
	keys []string
	subs []node
}

func (n propertiesNode) render(c *compiler, v value) (string, error) {
	if v.kind == kindRow {
		parts := make([]string, 0, len(n.keys))
		for i, key := range n.keys {
			col, ok := columnsByName[key]
			if !ok {
				// absent keys satisfy any property schema
				continue
			}
			sql, err := c.renderSub(n.subs[i], columnValue(v.alias, col))
			if err != nil {
				return "", err
			}
			if sql == "TRUE" {
				continue
			}
			if col.nullable {
				sql = fmt.Sprintf("(%s IS NULL OR %s)", qualify(v.alias, key), sql)
			}
			parts = append(parts, sql)
		}
		return and(parts), nil
	}
	return guard(v, "object", func() (string, error) {
		parts := make([]string, 0, len(n.keys))
		for i, key := range n.keys {
			mark := c.mark()
			child := value{expr: fmt.Sprintf("(%s -> %s::text)", v.expr, c.param(key)), kind: kindJSON}
			sql, err := n.subs[i].render(c, child)
			if err != nil {
				return "", err
			}
			if sql == "TRUE" {
				c.rollback(mark)
				continue
			}
			parts = append(parts, fmt.Sprintf("(%s IS NULL OR %s)", child.expr, sql))
		}
		return and(parts), nil
	})
}

type itemsNode struct {
	sub node
}

func (n itemsNode) render(c *compiler, v value) (string, error) {
	return guard(v, "array", func() (string, error) {
		elems, kind := v.elements()
		alias := c.alias("e")
		sql, err := c.renderSub(n.sub, value{expr: alias + ".value", kind: kind})
		if err != nil || sql == "TRUE" {
			return sql, err
		}
		return fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s AS %s(value) WHERE %s)", elems, alias, negate(sql)), nil
	})
}

type containsNode struct {
	sub       node
	scalar    any
	hasScalar bool
}

func (n containsNode) render(c *compiler, v value) (string, error) {
	return guard(v, "array", func() (string, error) {
		if n.hasScalar {
			switch v.kind {
			case kindTextArray:
				s, ok := n.scalar.(string)
				if !ok {
					return "FALSE", nil
				}
				return fmt.Sprintf("%s @> %s::text[]", v.expr, c.param([]string{s})), nil
			case kindJSON:
				raw, err := json.Marshal([]any{n.scalar})
				if err != nil {
					return "", cardbase.NewSchemaInvalidError(fmt.Sprintf("contains value cannot be encoded: %v", err))
				}
				return fmt.Sprintf("%s @> %s::jsonb", v.expr, c.param(string(raw))), nil
			}
		}
		elems, kind := v.elements()
		alias := c.alias("e")
		sql, err := c.renderSub(n.sub, value{expr: alias + ".value", kind: kind})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS %s(value) WHERE %s)", elems, alias, sql), nil
	})
}

type itemCountNode struct {
	op string
	n  int
}

func (n itemCountNode) render(c *compiler, v value) (string, error) {
	return guard(v, "array", func() (string, error) {
		return fmt.Sprintf("%s %s %s", v.arrayLength(), n.op, c.param(n.n)), nil
	})
}

type combinatorNode struct {
	kind string
	subs []node
}

func (n combinatorNode) render(c *compiler, v value) (string, error) {
	mark := c.mark()
	parts := make([]string, 0, len(n.subs))
	for _, sub := range n.subs {
		sql, err := c.renderSub(sub, v)
		if err != nil {
			return "", err
		}
		switch n.kind {
		case "anyOf":
			if sql == "TRUE" {
				c.rollback(mark)
				return "TRUE", nil
			}
			parts = append(parts, sql)
		case "allOf":
			if sql != "TRUE" {
				parts = append(parts, sql)
			}
		case "oneOf":
			parts = append(parts, fmt.Sprintf("(CASE WHEN %s THEN 1 ELSE 0 END)", sql))
		}
	}
	switch n.kind {
	case "anyOf":
		return or(parts), nil
	case "allOf":
		return and(parts), nil
	}
	return fmt.Sprintf("(%s = 1)", strings.Join(parts, " + ")), nil
}

type notNode struct {
	sub node
}

func (n notNode) render(c *compiler, v value) (string, error) {
	sql, err := c.renderSub(n.sub, v)
	if err != nil {
		return "", err
	}
	switch sql {
	case "TRUE":
		return "FALSE", nil
	case "FALSE":
		return "TRUE", nil
	}
	return negate(sql), nil
}

// additionalPropertiesNode never filters: false is a projection hint.
type additionalPropertiesNode struct {
	allowed bool
}

func (additionalPropertiesNode) render(*compiler, value) (string, error) {
	return "TRUE", nil
}

type propertyNamesNode struct {
	sub node
}

func (n propertyNamesNode) render(c *compiler, v value) (string, error) {
	if v.kind == kindRow {
		return "", cardbase.NewSchemaInvalidError("propertyNames cannot constrain a whole card")
	}
	return guard(v, "object", func() (string, error) {
		alias := c.alias("k")
		sql, err := c.renderSub(n.sub, value{expr: alias + ".key", kind: kindText})
		if err != nil || sql == "TRUE" {
			return sql, err
		}
		return fmt.Sprintf("NOT EXISTS (SELECT 1 FROM jsonb_object_keys(%s) AS %s(key) WHERE %s)", v.expr, alias, negate(sql)), nil
	})
}

func and(parts []string) string {
	switch len(parts) {
	case 0:
		return "TRUE"
	case 1:
		return parts[0]
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

func or(parts []string) string {
	switch len(parts) {
	case 0:
		return "FALSE"
	case 1:
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}
