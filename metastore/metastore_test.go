package metastore

import (
	"context"
	"errors"
	"testing"

	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/part"
)

func testSchema() TableSchema {
	return TableSchema{
		Name: "events",
		Columns: []Column{
			{Name: "A", Type: coltypes.Int64},
			{Name: "B", Type: coltypes.String},
			{Name: "d", Type: coltypes.Date},
		},
		Settings: DefaultSettings(),
	}
}

func TestCreateGetUpdateDrop(t *testing.T) {
	ctx := context.Background()
	ms, err := NewDiskMetaStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	created, err := ms.CreateTableSchema(ctx, testSchema())
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Version != 1 {
		t.Fatalf("bad created schema %+v", created)
	}
	if _, err := ms.CreateTableSchema(ctx, testSchema()); !errors.Is(err, ErrTableExists) {
		t.Fatalf("expected ErrTableExists, got %v", err)
	}

	got, err := ms.GetTableSchema(ctx, "events")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != created.ID || len(got.Columns) != 3 || got.Columns[2].Type != coltypes.Date {
		t.Fatalf("bad schema %+v", got)
	}
	if got.Settings.IndexGranularity != 8192 || !got.Settings.EnableMixedGranularityParts {
		t.Fatalf("bad settings %+v", got.Settings)
	}

	altered, err := got.AddColumn(Column{Name: "Y", Type: coltypes.String}, "")
	if err != nil {
		t.Fatal(err)
	}
	updated, err := ms.UpdateTableSchema(ctx, altered)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	// a writer holding the old version loses
	if _, err := ms.UpdateTableSchema(ctx, altered); !errors.Is(err, ErrBadAlter) {
		t.Fatalf("expected stale update to fail, got %v", err)
	}

	list, err := ms.ListTableSchemas(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || len(list[0].Columns) != 4 {
		t.Fatalf("bad list %+v", list)
	}

	if err := ms.DropTableSchema(ctx, "events"); err != nil {
		t.Fatal(err)
	}
	if _, err := ms.GetTableSchema(ctx, "events"); !errors.Is(err, part.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(ts *TableSchema){
		"bad name":       func(ts *TableSchema) { ts.Name = "a/b" },
		"dup column":     func(ts *TableSchema) { ts.Columns = append(ts.Columns, Column{Name: "A", Type: coltypes.Int8}) },
		"bad default":    func(ts *TableSchema) { ts.Columns[0].Default = "'x'" },
		"missing key":    func(ts *TableSchema) { ts.Settings.PartitionBy = "toYYYYMM(nope)" },
		"no granularity": func(ts *TableSchema) { ts.Settings.IndexGranularity = 0 },
	}
	for name, mutate := range cases {
		ts := testSchema()
		mutate(&ts)
		if err := ts.Validate(); !errors.Is(err, ErrBadSchema) {
			t.Fatalf("%s: expected ErrBadSchema, got %v", name, err)
		}
	}
	ts := testSchema()
	ts.Settings.PartitionBy = "toYYYYMM(d)"
	if err := ts.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestAlterRules(t *testing.T) {
	ts := testSchema()
	ts.Settings.PartitionBy = "toYYYYMM(d)"

	added, err := ts.AddColumn(Column{Name: "X", Type: coltypes.UInt8, Default: "7"}, "A")
	if err != nil {
		t.Fatal(err)
	}
	if added.Columns[1].Name != "X" {
		t.Fatalf("column not placed after A: %+v", added.Columns)
	}
	if _, err := added.AddColumn(Column{Name: "X", Type: coltypes.UInt8}, ""); !errors.Is(err, ErrBadAlter) {
		t.Fatalf("expected duplicate add to fail, got %v", err)
	}

	if _, err := added.DropColumn("d"); !errors.Is(err, ErrBadAlter) {
		t.Fatalf("expected partition key drop to fail, got %v", err)
	}
	if _, err := added.DropColumn("nope"); !errors.Is(err, part.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	widened, err := added.ModifyColumn(Column{Name: "X", Type: coltypes.UInt32, Default: "9"})
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := widened.Column("X"); c.Type != coltypes.UInt32 || c.Default != "9" {
		t.Fatalf("bad modified column %+v", c)
	}
	if _, err := widened.ModifyColumn(Column{Name: "X", Type: coltypes.UInt8}); !errors.Is(err, ErrBadAlter) {
		t.Fatalf("expected narrowing to fail, got %v", err)
	}
}

func TestWriteOptions(t *testing.T) {
	ts := testSchema()
	ts.Settings.MinRowsForWidePart = 100
	if o := ts.WriteOptions(10); o.Layout != part.LayoutCompact || o.Mode != part.GranularityExplicit {
		t.Fatalf("bad small part options %+v", o)
	}
	ts.Settings.EnableMixedGranularityParts = false
	if o := ts.WriteOptions(1000); o.Layout != part.LayoutWide || o.Mode != part.GranularityImplicit {
		t.Fatalf("bad legacy options %+v", o)
	}
}
