// Package ddl defines a small, backend-agnostic model for SQL DDL and helpers
// to render CREATE TABLE and ADD COLUMN statements from that model.
//
// Backends describe their differences through a Dialect: identifier quoting,
// type mapping and the statement heads they need (IF NOT EXISTS guards and
// so on). ColumnDef.Default is emitted as raw SQL; the caller is responsible
// for its safety and dialect correctness.
package ddl

import (
	"fmt"
	"strings"
)

// BuildCreateTableSQL renders a CREATE TABLE statement from a TableDef.
//
// Rules:
//
//   - t.FQN must be non-empty; it is quoted segment by segment.
//
//   - Each column must have a non-empty Name and SQLType.
//
//   - A column is rendered as:
//
//     <Name> <SQLType> [NOT NULL] [DEFAULT <Default>]
//
//     where NOT NULL is added when Nullable == false or the column is part
//     of the primary key.
//
//   - Columns with PrimaryKey == true are collected, in declaration order,
//     into a PRIMARY KEY (<col1>, <col2>, ...) clause at the end.
func BuildCreateTableSQL(d Dialect, t TableDef) (string, error) {
	fqn := strings.TrimSpace(t.FQN)
	if fqn == "" {
		return "", fmt.Errorf("%s: table FQN must not be empty", d.Name)
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("%s: at least one column is required", d.Name)
	}

	cols := make([]string, 0, len(t.Columns)+1)
	pks := make([]string, 0, len(t.Columns))

	for _, c := range t.Columns {
		def, err := columnSQL(d, fqn, c)
		if err != nil {
			return "", err
		}
		cols = append(cols, def)
		if c.PrimaryKey {
			pks = append(pks, d.Quote(strings.TrimSpace(c.Name)))
		}
	}

	if len(pks) > 0 {
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pks, ", ")))
	}

	head := d.CreateTable
	if head == "" {
		head = "CREATE TABLE %s"
	}
	return fmt.Sprintf(head+" (\n  %s\n);", d.QuoteFQN(fqn), strings.Join(cols, ",\n  ")), nil
}

// BuildAddColumnSQL renders one statement per column, adding it to an
// existing table. Added columns are always nullable: existing rows have no
// value for them.
func BuildAddColumnSQL(d Dialect, fqn string, cols []ColumnDef) ([]string, error) {
	head := d.AddColumn
	if head == "" {
		head = "ALTER TABLE %s ADD COLUMN %s %s"
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("%s: column with empty name in table %s", d.Name, fqn)
		}
		typ := strings.TrimSpace(c.SQLType)
		if typ == "" {
			return nil, fmt.Errorf("%s: column %s missing SQLType", d.Name, name)
		}
		out = append(out, fmt.Sprintf(head, d.QuoteFQN(fqn), d.Quote(name), typ))
	}
	return out, nil
}

func columnSQL(d Dialect, fqn string, c ColumnDef) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("%s: column with empty name in table %s", d.Name, fqn)
	}
	typ := strings.TrimSpace(c.SQLType)
	if typ == "" {
		return "", fmt.Errorf("%s: column %s missing SQLType", d.Name, name)
	}

	var sb strings.Builder
	sb.WriteString(d.Quote(name))
	sb.WriteByte(' ')
	sb.WriteString(typ)
	if !c.Nullable || c.PrimaryKey {
		sb.WriteString(" NOT NULL")
	}
	if def := strings.TrimSpace(c.Default); def != "" {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(def)
	}
	return sb.String(), nil
}

// MissingColumns returns the columns of td whose names are not in existing.
// Comparison is case-insensitive; SQL identifiers usually are.
func MissingColumns(td TableDef, existing []string) []ColumnDef {
	have := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		have[strings.ToLower(e)] = struct{}{}
	}
	var out []ColumnDef
	for _, c := range td.Columns {
		if _, ok := have[strings.ToLower(c.Name)]; !ok {
			out = append(out, c)
		}
	}
	return out
}
