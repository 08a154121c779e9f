package ddl

import (
	"strings"

	"sheetsync/pkg/records"
)

// ColumnDef describes a single column in a table definition.
//
// Fields:
//   - Name: logical column name (unquoted; quoting happens at render time)
//   - SQLType: target SQL type (e.g., TEXT, BIGINT, TIMESTAMPTZ)
//   - Nullable: whether NULL is allowed
//   - PrimaryKey: whether the column is part of the primary key
//   - Default: raw default expression (e.g., now(), 0)
type ColumnDef struct {
	Name       string
	SQLType    string
	Nullable   bool
	PrimaryKey bool
	Default    string
}

// TableDef holds the fully-qualified table name (FQN) and an ordered list of
// columns. The FQN is expected in dotted form (e.g., "schema.table").
type TableDef struct {
	FQN     string
	Columns []ColumnDef
}

// Dialect captures the parts of DDL rendering that differ between backends.
type Dialect struct {
	// Name prefixes error messages, e.g. "postgres ddl".
	Name string

	// Quote quotes a single identifier segment.
	Quote func(string) string

	// MapType returns the column type for a logical data type. key is true
	// for primary-key columns, which some backends must size.
	MapType func(t records.DataType, key bool) string

	// CreateTable renders the statement head, e.g. "CREATE TABLE IF NOT
	// EXISTS %s". The table name is passed already quoted. Empty means
	// "CREATE TABLE %s".
	CreateTable string

	// AddColumn renders one column addition: table (quoted), column (quoted)
	// and type. Empty means "ALTER TABLE %s ADD COLUMN %s %s".
	AddColumn string
}

// QuoteFQN quotes a possibly schema-qualified name segment by segment.
func (d Dialect) QuoteFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.Quote(p)
	}
	return strings.Join(parts, ".")
}

// QuoteAll maps a list of column names to their quoted forms.
func (d Dialect) QuoteAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = d.Quote(c)
	}
	return out
}

// FromSchema builds a TableDef for a batch schema. Key columns become the
// primary key and are NOT NULL; every other column is nullable.
func FromSchema(d Dialect, fqn string, schema []records.Column, keys []string) TableDef {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	td := TableDef{FQN: fqn, Columns: make([]ColumnDef, 0, len(schema))}
	for _, c := range schema {
		td.Columns = append(td.Columns, ColumnDef{
			Name:       c.Name,
			SQLType:    d.MapType(c.Type, isKey[c.Name]),
			Nullable:   !isKey[c.Name],
			PrimaryKey: isKey[c.Name],
		})
	}
	return td
}
