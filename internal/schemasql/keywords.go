package schemasql

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/lychee-technology/cardbase"
)

// LinksKeyword is the schema extension describing linked cards.
const LinksKeyword = "$$links"

type keywordParser func(p *parser, raw any, path string) (node, error)

// keywords is the single declaration of every translatable keyword. A keyword
// missing from this table and from annotations parses to unsupportedNode.
// It is filled in init because the parsers recurse back into it.
var keywords map[string]keywordParser

func init() {
	keywords = map[string]keywordParser{
		"type":                 parseType,
		"const":                parseConst,
		"enum":                 parseEnum,
		"pattern":              parsePattern,
		"minLength":            parseLength(">="),
		"maxLength":            parseLength("<="),
		"minimum":              parseNumber(">="),
		"maximum":              parseNumber("<="),
		"exclusiveMinimum":     parseNumber(">"),
		"exclusiveMaximum":     parseNumber("<"),
		"multipleOf":           parseMultipleOf,
		"required":             parseRequired,
		"properties":           parseProperties,
		"items":                parseItems,
		"contains":             parseContains,
		"minItems":             parseItemCount(">="),
		"maxItems":             parseItemCount("<="),
		"anyOf":                parseCombinator("anyOf"),
		"allOf":                parseCombinator("allOf"),
		"oneOf":                parseCombinator("oneOf"),
		"not":                  parseNot,
		"additionalProperties": parseAdditionalProperties,
		"propertyNames":        parsePropertyNames,
		"format":               parseFormat,
	}
}

// annotations carry no assertion and are skipped.
var annotations = map[string]struct{}{
	"title":       {},
	"description": {},
	"$id":         {},
	"$schema":     {},
	"$comment":    {},
	"examples":    {},
	"default":     {},
	"readOnly":    {},
	"writeOnly":   {},
	"deprecated":  {},
}

// IsAnnotation reports whether key is a keyword without an assertion.
func IsAnnotation(key string) bool {
	_, ok := annotations[key]
	return ok
}

type parser struct {
	maxLinkDepth int
	// linkDepth counts the $$links clauses enclosing the schema being parsed.
	linkDepth int
	// unsupported collects every untranslatable keyword, including ones a
	// vacuous sibling would otherwise keep from rendering.
	unsupported []unsupportedNode
	// valueDepth is non-zero while parsing schemas that apply to a field
	// value rather than to a whole card.
	valueDepth int
}

// parseValue parses a schema that constrains a field value.
func (p *parser) parseValue(raw any, path string) (node, error) {
	p.valueDepth++
	defer func() { p.valueDepth-- }()
	return p.parse(raw, path)
}

func invalid(path, format string, args ...any) error {
	return cardbase.NewSchemaInvalidError(fmt.Sprintf(format, args...)).WithField(path)
}

// parse builds the node tree for one schema.
func (p *parser) parse(raw any, path string) (node, error) {
	switch s := raw.(type) {
	case bool:
		return boolNode(s), nil
	case nil:
		return boolNode(true), nil
	case map[string]any:
		n, err := p.parseObject(s, path)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	return nil, invalid(path, "schema must be an object or a boolean, got %T", raw)
}

func (p *parser) parseObject(raw map[string]any, path string) (*schemaNode, error) {
	n := &schemaNode{path: path, raw: raw}
	for _, key := range sortedKeys(raw) {
		if _, skip := annotations[key]; skip {
			continue
		}
		kwPath := path + "/" + key
		if key == LinksKeyword {
			if p.valueDepth > 0 {
				u := unsupportedNode{keyword: LinksKeyword, path: path}
				p.unsupported = append(p.unsupported, u)
				n.keywords = append(n.keywords, u)
				continue
			}
			links, err := p.parseLinks(raw[key], kwPath)
			if err != nil {
				return nil, err
			}
			n.links = links
			continue
		}
		parse, ok := keywords[key]
		if !ok {
			u := unsupportedNode{keyword: key, path: path}
			p.unsupported = append(p.unsupported, u)
			n.keywords = append(n.keywords, u)
			continue
		}
		kw, err := parse(p, raw[key], kwPath)
		if err != nil {
			return nil, err
		}
		if u, isUnsupported := kw.(unsupportedNode); isUnsupported {
			p.unsupported = append(p.unsupported, u)
		}
		n.keywords = append(n.keywords, kw)
	}
	return n, nil
}

func (p *parser) parseLinks(raw any, path string) (*linksNode, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, invalid(path, "%s must be an object", LinksKeyword)
	}
	p.linkDepth++
	defer func() { p.linkDepth-- }()
	if p.linkDepth > p.maxLinkDepth {
		return nil, invalid(path, "%s nested deeper than %d levels", LinksKeyword, p.maxLinkDepth)
	}
	n := &linksNode{path: path}
	for _, name := range sortedKeys(m) {
		if name == "" {
			return nil, invalid(path, "link name must not be empty")
		}
		clause := linkClause{name: name, raw: m[name]}
		if m[name] == nil {
			clause.negated = true
		} else {
			outer := p.valueDepth
			p.valueDepth = 0
			sub, err := p.parse(m[name], path+"/"+name)
			p.valueDepth = outer
			if err != nil {
				return nil, err
			}
			clause.sub = sub
		}
		n.clauses = append(n.clauses, clause)
	}
	return n, nil
}

// ============================================================================
// Keyword parsers
// ============================================================================

var jsonTypes = map[string]struct{}{
	"string": {}, "number": {}, "integer": {}, "boolean": {}, "object": {}, "array": {}, "null": {},
}

func parseType(_ *parser, raw any, path string) (node, error) {
	var types []string
	switch t := raw.(type) {
	case string:
		types = []string{t}
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, invalid(path, "type entries must be strings")
			}
			types = append(types, s)
		}
	default:
		return nil, invalid(path, "type must be a string or a list of strings")
	}
	for _, t := range types {
		if _, ok := jsonTypes[t]; !ok {
			return nil, invalid(path, "unknown type %q", t)
		}
	}
	return typeNode{types: types}, nil
}

func parseConst(_ *parser, raw any, _ string) (node, error) {
	return constNode{value: raw}, nil
}

func parseEnum(_ *parser, raw any, path string) (node, error) {
	values, ok := raw.([]any)
	if !ok {
		return nil, invalid(path, "enum must be a list")
	}
	return enumNode{values: values}, nil
}

func parsePattern(_ *parser, raw any, path string) (node, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, invalid(path, "pattern must be a string")
	}
	return patternNode{pattern: s}, nil
}

func parseLength(op string) keywordParser {
	return func(_ *parser, raw any, path string) (node, error) {
		n, err := nonNegativeInt(raw, path)
		if err != nil {
			return nil, err
		}
		return lengthNode{op: op, n: n}, nil
	}
}

func parseNumber(op string) keywordParser {
	return func(_ *parser, raw any, path string) (node, error) {
		f, ok := toFloat(raw)
		if !ok {
			return nil, invalid(path, "numeric bound must be a number")
		}
		return boundNode{op: op, n: f}, nil
	}
}

func parseMultipleOf(_ *parser, raw any, path string) (node, error) {
	f, ok := toFloat(raw)
	if !ok || f <= 0 {
		return nil, invalid(path, "multipleOf must be a positive number")
	}
	return multipleOfNode{n: f}, nil
}

func parseRequired(_ *parser, raw any, path string) (node, error) {
	list, ok := raw.([]any)
	if !ok {
		if strs, isStrs := raw.([]string); isStrs {
			return requiredNode{keys: strs}, nil
		}
		return nil, invalid(path, "required must be a list of strings")
	}
	keys := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, invalid(path, "required entries must be strings")
		}
		keys = append(keys, s)
	}
	return requiredNode{keys: keys}, nil
}

func parseProperties(p *parser, raw any, path string) (node, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, invalid(path, "properties must be an object")
	}
	n := propertiesNode{}
	for _, key := range sortedKeys(m) {
		sub, err := p.parseValue(m[key], path+"/"+key)
		if err != nil {
			return nil, err
		}
		n.keys = append(n.keys, key)
		n.subs = append(n.subs, sub)
	}
	return n, nil
}

func parseItems(p *parser, raw any, path string) (node, error) {
	if _, isTuple := raw.([]any); isTuple {
		return unsupportedNode{keyword: "items (tuple form)", path: path}, nil
	}
	sub, err := p.parseValue(raw, path)
	if err != nil {
		return nil, err
	}
	return itemsNode{sub: sub}, nil
}

func parseContains(p *parser, raw any, path string) (node, error) {
	sub, err := p.parseValue(raw, path)
	if err != nil {
		return nil, err
	}
	n := containsNode{sub: sub}
	if m, ok := raw.(map[string]any); ok {
		if v, scalar := scalarConst(m); scalar {
			n.scalar = v
			n.hasScalar = true
		}
	}
	return n, nil
}

func parseItemCount(op string) keywordParser {
	return func(_ *parser, raw any, path string) (node, error) {
		n, err := nonNegativeInt(raw, path)
		if err != nil {
			return nil, err
		}
		return itemCountNode{op: op, n: n}, nil
	}
}

func parseCombinator(kind string) keywordParser {
	return func(p *parser, raw any, path string) (node, error) {
		list, ok := raw.([]any)
		if !ok || len(list) == 0 {
			return nil, invalid(path, "%s must be a non-empty list", kind)
		}
		n := combinatorNode{kind: kind}
		for i, item := range list {
			sub, err := p.parse(item, fmt.Sprintf("%s/%d", path, i))
			if err != nil {
				return nil, err
			}
			n.subs = append(n.subs, sub)
		}
		return n, nil
	}
}

func parseNot(p *parser, raw any, path string) (node, error) {
	sub, err := p.parse(raw, path)
	if err != nil {
		return nil, err
	}
	return notNode{sub: sub}, nil
}

func parseAdditionalProperties(_ *parser, raw any, path string) (node, error) {
	b, ok := raw.(bool)
	if !ok {
		return unsupportedNode{keyword: "additionalProperties (schema form)", path: path}, nil
	}
	return additionalPropertiesNode{allowed: b}, nil
}

func parsePropertyNames(p *parser, raw any, path string) (node, error) {
	sub, err := p.parseValue(raw, path)
	if err != nil {
		return nil, err
	}
	return propertyNamesNode{sub: sub}, nil
}

func parseFormat(_ *parser, raw any, path string) (node, error) {
	name, ok := raw.(string)
	if !ok {
		return nil, invalid(path, "format must be a string")
	}
	pattern, known := formats[name]
	if !known {
		return unsupportedNode{keyword: "format " + name, path: path}, nil
	}
	return formatNode{name: name, pattern: pattern}, nil
}

// ============================================================================
// helpers
// ============================================================================

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func nonNegativeInt(raw any, path string) (int, error) {
	f, ok := toFloat(raw)
	if !ok || f < 0 || f != math.Trunc(f) {
		return 0, invalid(path, "expected a non-negative integer, got %v", raw)
	}
	return int(f), nil
}

// scalarConst reports whether m is exactly {"const": <scalar>}.
func scalarConst(m map[string]any) (any, bool) {
	v, ok := m["const"]
	if !ok {
		return nil, false
	}
	for k := range m {
		if k == "const" {
			continue
		}
		if _, ann := annotations[k]; !ann {
			return nil, false
		}
	}
	switch v.(type) {
	case string, bool, float64, int, int64, json.Number:
		return v, true
	}
	return nil, false
}
