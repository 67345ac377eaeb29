package schemasql

import (
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/cardbase"
)

// colKind is the static SQL shape of a value reference.
type colKind int

const (
	kindJSON colKind = iota
	kindText
	kindBool
	kindUUID
	kindTimestamp
	kindTextArray
	kindJSONArray
	kindRow
)

type column struct {
	name     string
	kind     colKind
	nullable bool
}

// cardColumns is the allow-list of card columns, in table order.
var cardColumns = []column{
	{name: "id", kind: kindUUID},
	{name: "slug", kind: kindText},
	{name: "type", kind: kindText},
	{name: "version", kind: kindText},
	{name: "name", kind: kindText, nullable: true},
	{name: "active", kind: kindBool},
	{name: "tags", kind: kindTextArray},
	{name: "markers", kind: kindTextArray},
	{name: "links", kind: kindJSON},
	{name: "linked_at", kind: kindJSON},
	{name: "requires", kind: kindJSONArray},
	{name: "capabilities", kind: kindJSONArray},
	{name: "data", kind: kindJSON},
	{name: "created_at", kind: kindTimestamp},
	{name: "updated_at", kind: kindTimestamp, nullable: true},
}

var columnsByName = func() map[string]column {
	m := make(map[string]column, len(cardColumns))
	for _, col := range cardColumns {
		m[col.name] = col
	}
	return m
}()

// CardColumns lists every card column name in table order.
func CardColumns() []string {
	out := make([]string, len(cardColumns))
	for i, col := range cardColumns {
		out[i] = col.name
	}
	return out
}

// IsCardColumn reports whether name is a card column.
func IsCardColumn(name string) bool {
	_, ok := columnsByName[name]
	return ok
}

// IsNullableColumn reports whether the column may hold SQL NULL.
func IsNullableColumn(name string) bool {
	return columnsByName[name].nullable
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// QuoteIdentifier validates name against the identifier allow-list and
// returns it quoted for interpolation.
func QuoteIdentifier(name string) (string, error) {
	if !identifierPattern.MatchString(name) {
		return "", cardbase.NewSchemaInvalidError(fmt.Sprintf("invalid identifier %q", name))
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

func qualify(alias, name string) string {
	return alias + "." + pgx.Identifier{name}.Sanitize()
}
