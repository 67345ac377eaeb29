package schemasql

import "fmt"

// value is the SQL expression a schema node is evaluated against.
type value struct {
	expr string
	kind colKind
	// alias of the card row when kind == kindRow
	alias string
}

func rowValue(alias string) value {
	return value{kind: kindRow, alias: alias, expr: alias}
}

func columnValue(alias string, col column) value {
	return value{expr: qualify(alias, col.name), kind: col.kind}
}

// staticType returns the JSON type the expression always has, or "" when it
// is only known at run time.
func (v value) staticType() string {
	switch v.kind {
	case kindText, kindUUID, kindTimestamp:
		return "string"
	case kindBool:
		return "boolean"
	case kindTextArray, kindJSONArray:
		return "array"
	case kindRow:
		return "object"
	}
	return ""
}

// jsonExpr lifts the expression to jsonb.
func (v value) jsonExpr() string {
	if v.kind == kindJSON {
		return v.expr
	}
	if v.kind == kindRow {
		return fmt.Sprintf("to_jsonb(%s)", v.alias)
	}
	return fmt.Sprintf("to_jsonb(%s)", v.expr)
}

// textExpr renders a string-typed expression as SQL text.
func (v value) textExpr() string {
	switch v.kind {
	case kindText:
		return v.expr
	case kindUUID:
		return v.expr + "::text"
	}
	return fmt.Sprintf("(%s #>> '{}')", v.jsonExpr())
}

// elements renders a set-returning expression over an array value and the
// kind of each element.
func (v value) elements() (string, colKind) {
	switch v.kind {
	case kindTextArray:
		return fmt.Sprintf("unnest(%s)", v.expr), kindText
	case kindJSONArray:
		return fmt.Sprintf("unnest(%s)", v.expr), kindJSON
	}
	return fmt.Sprintf("jsonb_array_elements(%s)", v.jsonExpr()), kindJSON
}

// arrayLength renders the element count of an array value.
func (v value) arrayLength() string {
	switch v.kind {
	case kindTextArray, kindJSONArray:
		return fmt.Sprintf("cardinality(%s)", v.expr)
	}
	return fmt.Sprintf("jsonb_array_length(%s)", v.jsonExpr())
}

// guard renders cond only where the instance has the given JSON type, and
// TRUE elsewhere, mirroring how JSON Schema applies type-specific keywords.
func guard(v value, jsonType string, cond func() (string, error)) (string, error) {
	switch st := v.staticType(); st {
	case "":
		inner, err := cond()
		if err != nil || inner == "TRUE" {
			return inner, err
		}
		return fmt.Sprintf("CASE WHEN jsonb_typeof(%s) = '%s' THEN %s ELSE TRUE END", v.expr, jsonType, inner), nil
	case jsonType:
		return cond()
	default:
		return "TRUE", nil
	}
}

func negate(cond string) string {
	return fmt.Sprintf("NOT COALESCE((%s), FALSE)", cond)
}
