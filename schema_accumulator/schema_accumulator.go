// Package schema_accumulator infers table columns from flattened JSON rows, for
// inserts that create their table.
package schema_accumulator

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/metastore"
)

type (
	SchemaAccumulator struct {
		fields []*field
		byName map[string]*field
	}

	field struct {
		name string
		kind kind
	}

	kind int
)

const (
	// nothing but nulls so far
	kindUnknown kind = iota
	kindBool
	kindInt
	kindFloat
	kindString
)

func NewSchemaAccumulator() *SchemaAccumulator {
	return &SchemaAccumulator{byName: map[string]*field{}}
}

// WriteRow folds the row into the schema. New keys are added in sorted order so that
// the resulting column order does not depend on map iteration.
func (sa *SchemaAccumulator) WriteRow(row map[string]any) {
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		f, ok := sa.byName[key]
		if !ok {
			f = &field{name: key}
			sa.byName[key] = f
			sa.fields = append(sa.fields, f)
		}
		f.kind = widen(f.kind, kindOf(row[key]))
	}
}

func kindOf(item any) kind {
	switch val := item.(type) {
	case nil:
		return kindUnknown
	case bool:
		return kindBool
	case string, *string:
		return kindString
	case json.Number:
		if strings.ContainsAny(val.String(), ".eE") {
			return kindFloat
		}
		return kindInt
	case float32, float64:
		// Float otherwise since we can't tell the difference in JSON
		return kindFloat
	}
	switch reflect.TypeOf(item).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return kindInt
	}
	return kindString
}

func widen(a, b kind) kind {
	switch {
	case a == b || b == kindUnknown:
		return a
	case a == kindUnknown:
		return b
	case (a == kindInt && b == kindFloat) || (a == kindFloat && b == kindInt):
		return kindFloat
	}
	return kindString
}

func (k kind) colType() coltypes.Type {
	switch k {
	case kindBool:
		return coltypes.UInt8
	case kindInt:
		return coltypes.Int64
	case kindFloat:
		return coltypes.Float64
	}
	return coltypes.String
}

func (sa *SchemaAccumulator) GetColumnNames() []string {
	var cols []string
	for _, f := range sa.fields {
		cols = append(cols, f.name)
	}
	return cols
}

// Columns returns the inferred columns in first seen order. Columns that were only
// ever null are String.
func (sa *SchemaAccumulator) Columns() []metastore.Column {
	cols := make([]metastore.Column, 0, len(sa.fields))
	for _, f := range sa.fields {
		cols = append(cols, metastore.Column{Name: f.name, Type: f.kind.colType()})
	}
	return cols
}
