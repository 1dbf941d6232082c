package schema_accumulator

import (
	"encoding/json"
	"testing"

	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/utils"
)

func TestColumns(t *testing.T) {
	a := NewSchemaAccumulator()
	a.WriteRow(map[string]any{
		"colA": "hey",
	})
	a.WriteRow(map[string]any{
		"colB": json.Number("1"),
		"colD": nil,
	})
	a.WriteRow(map[string]any{
		"colC": true,
	})
	a.WriteRow(map[string]any{
		"colA": utils.Ptr("hey"),
		"colB": json.Number("1.2"),
		"colE": 3,
	})
	a.WriteRow(map[string]any{
		"colC": false,
		"colF": 1.0,
		"colG": json.Number("7"),
	})
	a.WriteRow(map[string]any{
		"colG": "seven",
	})

	want := []struct {
		name string
		typ  coltypes.Type
	}{
		{"colA", coltypes.String},
		{"colB", coltypes.Float64},
		{"colD", coltypes.String},
		{"colC", coltypes.UInt8},
		{"colE", coltypes.Int64},
		{"colF", coltypes.Float64},
		{"colG", coltypes.String},
	}
	cols := a.Columns()
	if len(cols) != len(want) {
		t.Fatalf("got %d columns: %+v", len(cols), cols)
	}
	for i, w := range want {
		if cols[i].Name != w.name || cols[i].Type != w.typ {
			t.Fatalf("column %d = %s %s, want %s %s", i, cols[i].Name, cols[i].Type, w.name, w.typ)
		}
	}
	if names := a.GetColumnNames(); len(names) != len(want) || names[0] != "colA" {
		t.Fatalf("names %v", names)
	}
}
