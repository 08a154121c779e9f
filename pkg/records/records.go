// Package records defines the data model shared by the fetch, transform and
// upload stages: raw source records with tagged values, typed target rows,
// invalid records and upload batches.
package records

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind tags the dynamic type of a raw source value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "null"
	}
}

// Value is a raw source value. Numbers keep their decimal text so that no
// precision is lost before coercion.
type Value struct {
	Kind Kind
	Str  string
	Bool bool
}

func Null() Value            { return Value{} }
func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Number(n string) Value  { return Value{Kind: KindNumber, Str: n} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func (v Value) IsNull() bool { return v.Kind == KindNull }
func (v Value) IsEmpty() bool {
	return v.IsNull() || (v.Kind == KindString && strings.TrimSpace(v.Str) == "")
}

// Text renders the value as the source would display it. Null renders as "".
func (v Value) Text() string {
	switch v.Kind {
	case KindString, KindNumber:
		return v.Str
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// FromJSON converts a decoded JSON value (decoded with UseNumber) into a
// Value. Objects and arrays are kept as compact JSON text.
func FromJSON(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case json.Number:
		return Number(t.String())
	case float64:
		return Number(fmt.Sprint(t))
	case bool:
		return Bool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return String(fmt.Sprint(t))
		}
		return String(string(b))
	}
}

// MarshalJSON writes the value in its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return []byte(v.Str), nil
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return []byte("null"), nil
	}
}

// Field is one source field in source order.
type Field struct {
	Name  string
	Value Value
}

// Record is a source record: an ordered list of fields keyed by a record
// identifier unique within its collection.
type Record struct {
	ID     string
	Fields []Field
}

// Get returns the value of the named field.
func (r Record) Get(name string) (Value, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// MarshalJSON writes the record as a JSON object that preserves field order.
func (r Record) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		sb.Write(k)
		sb.WriteByte(':')
		sb.Write(v)
	}
	sb.WriteByte('}')
	return []byte(sb.String()), nil
}

// DataType is a sink column type.
type DataType string

const (
	TypeString    DataType = "STRING"
	TypeInteger   DataType = "INTEGER"
	TypeFloat     DataType = "FLOAT"
	TypeBoolean   DataType = "BOOLEAN"
	TypeDate      DataType = "DATE"
	TypeTimestamp DataType = "TIMESTAMP"
	TypeJSON      DataType = "JSON"
)

// ParseDataType normalizes a type name, accepting a few common aliases.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "STRING", "TEXT", "VARCHAR":
		return TypeString, nil
	case "INTEGER", "INT", "INT64", "BIGINT":
		return TypeInteger, nil
	case "FLOAT", "FLOAT64", "NUMERIC", "DOUBLE", "DECIMAL":
		return TypeFloat, nil
	case "BOOLEAN", "BOOL":
		return TypeBoolean, nil
	case "DATE":
		return TypeDate, nil
	case "TIMESTAMP", "DATETIME", "TIMESTAMPTZ":
		return TypeTimestamp, nil
	case "JSON", "JSONB":
		return TypeJSON, nil
	}
	return "", fmt.Errorf("unknown data type %q", s)
}

// Provenance columns injected into every target row.
const (
	ColumnCollectionID = "collection_id"
	ColumnRecordID     = "record_id"
)

// Column is one entry of a batch schema.
type Column struct {
	Name string
	Type DataType
}

// TargetRow is a transformed record: sink column name -> typed value. Values
// are string, int64, float64, bool, time.Time or nil.
type TargetRow map[string]any

// InvalidRecord is a record that failed validation. It is retained with the
// original payload and never dropped silently.
type InvalidRecord struct {
	CollectionID string    `json:"collection_id"`
	RecordID     string    `json:"record_id"`
	Errors       []string  `json:"errors"`
	Raw          Record    `json:"raw"`
	SeenAt       time.Time `json:"seen_at"`
}

// Batch is the unit of one upload attempt.
type Batch struct {
	ID           string
	CollectionID string
	Schema       []Column
	Rows         []TargetRow
}

// RowCount returns the number of rows in the batch.
func (b Batch) RowCount() int { return len(b.Rows) }

// ColumnNames returns the schema column names in order.
func (b Batch) ColumnNames() []string {
	out := make([]string, len(b.Schema))
	for i, c := range b.Schema {
		out[i] = c.Name
	}
	return out
}

// Matrix returns the rows as positional values aligned to the schema.
func (b Batch) Matrix() [][]any {
	out := make([][]any, len(b.Rows))
	for i, r := range b.Rows {
		row := make([]any, len(b.Schema))
		for j, c := range b.Schema {
			row[j] = r[c.Name]
		}
		out[i] = row
	}
	return out
}
