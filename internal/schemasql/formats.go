package schemasql

// formats maps the supported "format" values to PostgreSQL regular
// expressions. Any other format fails compilation.
var formats = map[string]string{
	"uuid":      `^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`,
	"email":     `^[^@[:space:]]+@[^@[:space:]]+\.[^@[:space:]]+$`,
	"date-time": `^[0-9]{4}-[0-9]{2}-[0-9]{2}[Tt ][0-9]{2}:[0-9]{2}:[0-9]{2}(\.[0-9]+)?([Zz]|[+-][0-9]{2}:[0-9]{2})$`,
	"date":      `^[0-9]{4}-[0-9]{2}-[0-9]{2}$`,
	"uri":       `^[A-Za-z][A-Za-z0-9+.-]*:[^[:space:]]*$`,
	"hostname":  `^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`,
}
