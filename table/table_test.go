package table

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danthegoodman1/icepart/checksums"
	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/datastore"
	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/partitioner"
)

type testEnv struct {
	ds   *datastore.DiskDataStore
	ms   *metastore.DiskMetaStore
	root string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	ds, err := datastore.NewDiskDataStore(filepath.Join(root, "data"))
	if err != nil {
		t.Fatal(err)
	}
	ms, err := metastore.NewDiskMetaStore(filepath.Join(root, "metadata"))
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{ds: ds, ms: ms, root: root}
}

func (e *testEnv) create(t *testing.T, schema metastore.TableSchema) *Table {
	t.Helper()
	stored, err := e.ms.CreateTableSchema(context.Background(), schema)
	if err != nil {
		t.Fatal(err)
	}
	return e.open(t, stored)
}

func (e *testEnv) open(t *testing.T, schema metastore.TableSchema) *Table {
	t.Helper()
	tbl, err := Open(context.Background(), e.ds, e.ms, schema, e.ds.Path(schema.Name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tbl.Close)
	return tbl
}

func abSchema(name string, extra ...metastore.Column) metastore.TableSchema {
	return metastore.TableSchema{
		Name: name,
		Columns: append([]metastore.Column{
			{Name: "A", Type: coltypes.Int64},
			{Name: "B", Type: coltypes.String},
		}, extra...),
		Settings: metastore.DefaultSettings(),
	}
}

// writeDetached writes a part straight into the table's detached directory, the way
// an operator drops in a part produced elsewhere.
func writeDetached(t *testing.T, tbl *Table, name string, block part.Block, opts part.WriteOptions) string {
	t.Helper()
	dir := filepath.Join(tbl.DetachedDir(), name)
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := part.Write(dir, block, opts); err != nil {
		t.Fatal(err)
	}
	return dir
}

func abBlock(a int64, b string) part.Block {
	return part.Block{
		Columns: []part.ColumnDesc{{Name: "A", Type: coltypes.Int64}, {Name: "B", Type: coltypes.String}},
		Data:    [][]any{{a}, {b}},
	}
}

func mustSum(t *testing.T, tbl *Table, column string) any {
	t.Helper()
	sum, err := tbl.Sum(context.Background(), column, partitioner.Predicate{})
	if err != nil {
		t.Fatal(err)
	}
	return sum
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// digest hashes every file of a directory, checksums.txt included.
func digest(t *testing.T, dir string) map[string]checksums.Entry {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]checksums.Entry, len(ents))
	for _, ent := range ents {
		e, err := checksums.HashFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			t.Fatal(err)
		}
		out[ent.Name()] = e
	}
	return out
}

// assertUnchanged fails unless dir holds exactly the files of before, byte for byte.
func assertUnchanged(t *testing.T, dir string, before map[string]checksums.Entry) {
	t.Helper()
	after := digest(t, dir)
	if len(after) != len(before) {
		t.Fatalf("%s has %d files, had %d", dir, len(after), len(before))
	}
	for file, e := range before {
		if got, ok := after[file]; !ok || got != e {
			t.Fatalf("%s/%s changed: %+v, was %+v", dir, file, got, e)
		}
	}
}

// writeMarks replaces the explicit marks of A and B and reseals the ledger.
func writeMarks(t *testing.T, dir string, marks []part.Mark) {
	t.Helper()
	for _, col := range []string{"A", "B"} {
		if err := os.WriteFile(filepath.Join(dir, col+part.ExplicitMarksExt), part.EncodeMarks(part.GranularityExplicit, marks), 0644); err != nil {
			t.Fatal(err)
		}
	}
	l, err := checksums.Compute(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := checksums.Write(dir, l); err != nil {
		t.Fatal(err)
	}
}

func TestSchemaEvolvedAttachScenario(t *testing.T) {
	modes := map[string]part.GranularityMode{
		"implicit": part.GranularityImplicit,
		"explicit": part.GranularityExplicit,
	}
	for name, mode := range modes {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t)
			tbl := env.create(t, abSchema("dst", metastore.Column{Name: "Y", Type: coltypes.String}))

			writeDetached(t, tbl, "all_1_1_0", abBlock(1, "1"), part.WriteOptions{
				IndexGranularity: metastore.DefaultIndexGranularity,
				Mode:             mode,
				Layout:           part.LayoutWide,
			})

			res, err := tbl.AttachPartition(ctx, partitioner.Predicate{}, AttachOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Parts) != 1 {
				t.Fatalf("attached %d parts", len(res.Parts))
			}

			rows, err := tbl.Select(ctx, nil, partitioner.Predicate{})
			if err != nil {
				t.Fatal(err)
			}
			if len(rows) != 1 {
				t.Fatalf("got %d rows", len(rows))
			}
			want := []any{int64(1), "1", ""}
			for i := range want {
				if rows[0].ColVals[i] != want[i] {
					t.Fatalf("column %s = %#v, want %#v", rows[0].ColNames[i], rows[0].ColVals[i], want[i])
				}
			}

			if _, err := tbl.Insert(ctx, []map[string]any{{"A": 2, "B": "2", "Y": "Hello"}}); err != nil {
				t.Fatal(err)
			}
			if n := tbl.Count(ctx, partitioner.Predicate{}); n != 2 {
				t.Fatalf("count %d", n)
			}
			if sum := mustSum(t, tbl, "A"); sum != int64(3) {
				t.Fatalf("sum %v", sum)
			}

			det, err := tbl.DetachPartition(ctx, partitioner.Predicate{})
			if err != nil {
				t.Fatal(err)
			}
			if len(det.Parts) != 2 || len(det.Cloned) != 0 {
				t.Fatalf("detached %v, cloned %v", det.Parts, det.Cloned)
			}
			if n := tbl.Count(ctx, partitioner.Predicate{}); n != 0 {
				t.Fatalf("count after detach %d", n)
			}
			if _, err := tbl.AttachPartition(ctx, partitioner.Predicate{}, AttachOptions{}); err != nil {
				t.Fatal(err)
			}
			if sum := mustSum(t, tbl, "A"); sum != int64(3) {
				t.Fatalf("sum after reattach %v", sum)
			}
			check, err := tbl.Check(ctx, "")
			if err != nil {
				t.Fatal(err)
			}
			if !check.Passed || len(check.Parts) != 2 {
				t.Fatalf("check %+v", check)
			}
		})
	}
}

func TestAttachRenumbersOrPreserves(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tbl := env.create(t, abSchema("t"))
	if _, err := tbl.Insert(ctx, []map[string]any{{"A": 1, "B": "x"}}); err != nil {
		t.Fatal(err)
	}

	dir := writeDetached(t, tbl, "all_1_1_0", abBlock(5, "y"), part.WriteOptions{IndexGranularity: 8192})
	before := digest(t, dir)
	_, err := tbl.AttachPart(ctx, "all_1_1_0", AttachOptions{PreserveBlockNumbers: true})
	if !errors.Is(err, part.ErrOverlap) {
		t.Fatalf("expected overlap, got %v", err)
	}
	assertUnchanged(t, dir, before)
	if tbl.PartSet().Len() != 1 {
		t.Fatal("active set changed")
	}

	res, err := tbl.AttachPart(ctx, "all_1_1_0", AttachOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Parts[0].Name != "all_2_2_0" {
		t.Fatalf("attached as %s", res.Parts[0].Name)
	}
	if exists(dir) {
		t.Fatal("attached part still in detached/")
	}
	if sum := mustSum(t, tbl, "A"); sum != int64(6) {
		t.Fatalf("sum %v", sum)
	}
}

func TestAttachRejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tbl := env.create(t, abSchema("t"))

	// corrupt data file
	dir := writeDetached(t, tbl, "all_1_1_0", abBlock(1, "a"), part.WriteOptions{IndexGranularity: 8192})
	f, err := os.OpenFile(filepath.Join(dir, "A.bin"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0})
	f.Close()
	before := digest(t, dir)
	_, err = tbl.AttachPart(ctx, "all_1_1_0", AttachOptions{})
	var corrupt *part.CorruptPartError
	if !errors.As(err, &corrupt) || corrupt.File != "A.bin" {
		t.Fatalf("expected corrupt A.bin, got %v", err)
	}
	assertUnchanged(t, dir, before)

	// missing file
	dir = writeDetached(t, tbl, "all_2_2_0", abBlock(1, "a"), part.WriteOptions{IndexGranularity: 8192})
	if err := os.Remove(filepath.Join(dir, part.CountFileName)); err != nil {
		t.Fatal(err)
	}
	before = digest(t, dir)
	if _, err = tbl.AttachPart(ctx, "all_2_2_0", AttachOptions{}); !errors.Is(err, part.ErrMalformedPart) {
		t.Fatalf("expected malformed, got %v", err)
	}
	assertUnchanged(t, dir, before)

	// type change needs the legacy fix
	block := part.Block{
		Columns: []part.ColumnDesc{{Name: "A", Type: coltypes.Int32}, {Name: "B", Type: coltypes.String}},
		Data:    [][]any{{int64(7)}, {"b"}},
	}
	dir = writeDetached(t, tbl, "all_3_3_0", block, part.WriteOptions{IndexGranularity: 8192})
	before = digest(t, dir)
	if _, err = tbl.AttachPart(ctx, "all_3_3_0", AttachOptions{}); !errors.Is(err, part.ErrSchemaIncompatible) {
		t.Fatalf("expected schema incompatible, got %v", err)
	}
	assertUnchanged(t, dir, before)
	if _, err = tbl.AttachPart(ctx, "all_3_3_0", AttachOptions{LegacyMetadataFix: true}); err != nil {
		t.Fatal(err)
	}
	if sum := mustSum(t, tbl, "A"); sum != int64(7) {
		t.Fatalf("sum %v", sum)
	}

	if _, err = tbl.AttachPart(ctx, "all_9_9_0", AttachOptions{}); !errors.Is(err, part.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err = tbl.AttachPartition(ctx, partitioner.Predicate{Operator: partitioner.EQ, Values: []string{"202401"}}, AttachOptions{}); !errors.Is(err, part.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAttachPartitionAllOrNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tbl := env.create(t, abSchema("t"))

	good := writeDetached(t, tbl, "all_1_1_0", abBlock(1, "a"), part.WriteOptions{IndexGranularity: 8192})
	bad := writeDetached(t, tbl, "all_2_2_0", abBlock(2, "b"), part.WriteOptions{IndexGranularity: 8192})
	if err := os.WriteFile(filepath.Join(bad, "B.bin"), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	// leftovers with reserved prefixes are never picked up
	writeDetached(t, tbl, "ignored_all_3_3_0", abBlock(3, "c"), part.WriteOptions{IndexGranularity: 8192})

	goodBefore, badBefore := digest(t, good), digest(t, bad)
	if _, err := tbl.AttachPartition(ctx, partitioner.Predicate{}, AttachOptions{}); !errors.Is(err, part.ErrCorruptPart) {
		t.Fatalf("expected corrupt, got %v", err)
	}
	if tbl.PartSet().Len() != 0 {
		t.Fatal("failed attach admitted something")
	}
	assertUnchanged(t, good, goodBefore)
	assertUnchanged(t, bad, badBefore)

	if err := os.RemoveAll(bad); err != nil {
		t.Fatal(err)
	}
	res, err := tbl.AttachPartition(ctx, partitioner.Predicate{}, AttachOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Parts) != 1 || res.Parts[0].Source != "all_1_1_0" {
		t.Fatalf("attached %+v", res.Parts)
	}
}

func TestAttachChecksPartition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	schema := abSchema("t", metastore.Column{Name: "d", Type: coltypes.Date})
	schema.Settings.PartitionBy = "toYYYYMM(d)"
	tbl := env.create(t, schema)

	day, err := coltypes.Normalize(coltypes.Date, "2024-01-05")
	if err != nil {
		t.Fatal(err)
	}
	block := part.Block{
		Columns: schema.PartColumns(),
		Data:    [][]any{{int64(1)}, {"a"}, {day}},
	}
	writeDetached(t, tbl, "202402_1_1_0", block, part.WriteOptions{IndexGranularity: 8192})
	if _, err := tbl.AttachPart(ctx, "202402_1_1_0", AttachOptions{}); !errors.Is(err, part.ErrSchemaIncompatible) {
		t.Fatalf("expected schema incompatible, got %v", err)
	}

	writeDetached(t, tbl, "202401_1_1_0", block, part.WriteOptions{IndexGranularity: 8192})
	res, err := tbl.AttachPartition(ctx, partitioner.Predicate{Operator: partitioner.EQ, Values: []string{"202401"}}, AttachOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Parts) != 1 {
		t.Fatalf("attached %+v", res.Parts)
	}
	rows, err := tbl.Select(ctx, []string{"d"}, partitioner.Predicate{})
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].ColVals[0] != "2024-01-05" {
		t.Fatalf("d = %#v", rows[0].ColVals[0])
	}
}

func TestDetachWhileRead(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tbl := env.create(t, abSchema("t"))
	names, err := tbl.Insert(ctx, []map[string]any{{"A": 1, "B": "x"}})
	if err != nil {
		t.Fatal(err)
	}
	name := names[0]
	original := filepath.Join(tbl.Dir(), name)

	snap := tbl.Acquire()
	res, err := tbl.DetachPart(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Cloned) != 1 {
		t.Fatalf("expected a clone, got %+v", res)
	}
	if !exists(original) {
		t.Fatal("original removed while a snapshot reads it")
	}
	a, _ := os.Stat(filepath.Join(original, "A.bin"))
	b, _ := os.Stat(filepath.Join(tbl.DetachedDir(), name, "A.bin"))
	if !os.SameFile(a, b) {
		t.Fatal("clone is not hard linked")
	}
	if n := tbl.Count(ctx, partitioner.Predicate{}); n != 0 {
		t.Fatalf("count %d", n)
	}

	snap.Release()
	if exists(original) {
		t.Fatal("original kept after the last snapshot released it")
	}
	if !exists(filepath.Join(tbl.DetachedDir(), name, "A.bin")) {
		t.Fatal("detached clone lost its files")
	}

	if _, err := tbl.DetachPart(ctx, name); !errors.Is(err, part.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPlansSkipInactiveParts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tbl := env.create(t, abSchema("t"))
	names, err := tbl.Insert(ctx, []map[string]any{{"A": 1, "B": "x"}})
	if err != nil {
		t.Fatal(err)
	}

	snap := tbl.Acquire()
	defer snap.Release()
	if _, err := tbl.DetachPart(ctx, names[0]); err != nil {
		t.Fatal(err)
	}
	old := snap.Parts[0]
	data, err := tbl.readBlock(old, tbl.Schema(), []string{"A"})
	if err != nil {
		t.Fatal(err)
	}
	if len(data[0]) != 1 || data[0][0] != int64(1) {
		t.Fatalf("read %v", data)
	}
	tbl.plansMu.Lock()
	_, cached := tbl.plans[old]
	tbl.plansMu.Unlock()
	if cached {
		t.Fatal("plan cached for a detached part")
	}
}

func TestDetachRefusesExistingTarget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tbl := env.create(t, abSchema("t"))
	names, err := tbl.Insert(ctx, []map[string]any{{"A": 1, "B": "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(tbl.DetachedDir(), names[0]), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.DetachPart(ctx, names[0]); !errors.Is(err, os.ErrExist) {
		t.Fatalf("expected exists, got %v", err)
	}
	if tbl.PartSet().Len() != 1 {
		t.Fatal("part left the active set")
	}
}

func TestCheckDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tbl := env.create(t, abSchema("t"))
	var names []string
	for i := 0; i < 3; i++ {
		n, err := tbl.Insert(ctx, []map[string]any{{"A": i, "B": "x"}})
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, n...)
	}
	res, err := tbl.Check(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed {
		t.Fatalf("clean table failed check: %+v", res)
	}

	if err := os.WriteFile(filepath.Join(tbl.Dir(), names[1], "B.bin"), []byte("nope"), 0644); err != nil {
		t.Fatal(err)
	}
	res, err = tbl.Check(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed {
		t.Fatal("corruption not detected")
	}
	for _, pc := range res.Parts {
		if pc.Part == names[1] {
			if pc.Passed || pc.File != "B.bin" {
				t.Fatalf("bad result %+v", pc)
			}
		} else if !pc.Passed {
			t.Fatalf("clean part failed: %+v", pc)
		}
	}

	one, err := tbl.Check(ctx, names[0])
	if err != nil {
		t.Fatal(err)
	}
	if !one.Passed || len(one.Parts) != 1 {
		t.Fatalf("single part check %+v", one)
	}
	if _, err := tbl.Check(ctx, "all_99_99_0"); !errors.Is(err, part.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWrappedMarksRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tbl := env.create(t, abSchema("t"))
	wrapped := []part.Mark{{Rows: ^uint64(0)}, {Rows: 2}}
	opts := part.WriteOptions{IndexGranularity: 8192, Mode: part.GranularityExplicit, Layout: part.LayoutWide}

	dir := writeDetached(t, tbl, "all_1_1_0", abBlock(1, "a"), opts)
	writeMarks(t, dir, wrapped)
	before := digest(t, dir)
	_, err := tbl.AttachPart(ctx, "all_1_1_0", AttachOptions{})
	var corrupt *part.CorruptPartError
	if !errors.As(err, &corrupt) || corrupt.File != "A.mrk2" {
		t.Fatalf("expected corrupt A.mrk2, got %v", err)
	}
	assertUnchanged(t, dir, before)
	if tbl.PartSet().Len() != 0 {
		t.Fatal("part with wrapped marks was attached")
	}

	names, err := tbl.Insert(ctx, []map[string]any{{"A": 1, "B": "x"}})
	if err != nil {
		t.Fatal(err)
	}
	writeMarks(t, filepath.Join(tbl.Dir(), names[0]), wrapped)
	res, err := tbl.Check(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed || len(res.Parts) != 1 || res.Parts[0].File != "A.mrk2" {
		t.Fatalf("check %+v", res)
	}
	if _, err := tbl.Select(ctx, nil, partitioner.Predicate{}); !errors.Is(err, part.ErrCorruptPart) {
		t.Fatalf("expected corrupt select, got %v", err)
	}
}

func TestMergeAndReopen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tbl := env.create(t, abSchema("t"))
	var names []string
	for i := 1; i <= 3; i++ {
		n, err := tbl.Insert(ctx, []map[string]any{{"A": i, "B": "x"}})
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, n...)
	}

	merged, err := tbl.MergePartition(ctx, part.AllPartition)
	if err != nil {
		t.Fatal(err)
	}
	if merged != "all_1_3_1" {
		t.Fatalf("merged into %s", merged)
	}
	if tbl.PartSet().Len() != 1 || mustSum(t, tbl, "A") != int64(6) {
		t.Fatal("merge lost rows")
	}
	for _, n := range names {
		if exists(filepath.Join(tbl.Dir(), n)) {
			t.Fatalf("source %s not removed", n)
		}
	}
	if _, err := tbl.Merge(ctx, []string{merged}); !errors.Is(err, ErrNothingToMerge) {
		t.Fatalf("expected nothing to merge, got %v", err)
	}

	// staging leftovers and unloadable parts are cleaned up on open
	if err := os.Mkdir(filepath.Join(tbl.Dir(), "tmp_insert_leftover"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(tbl.Dir(), "all_7_7_0"), 0755); err != nil {
		t.Fatal(err)
	}
	schema := tbl.Schema()
	tbl.Close()
	if _, err := tbl.Insert(ctx, []map[string]any{{"A": 1}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}

	again := env.open(t, schema)
	if again.PartSet().Len() != 1 || mustSum(t, again, "A") != int64(6) {
		t.Fatal("reopened table lost parts")
	}
	if exists(filepath.Join(again.Dir(), "tmp_insert_leftover")) {
		t.Fatal("staging leftover kept")
	}
	if !exists(filepath.Join(again.DetachedDir(), BrokenPrefix+"all_7_7_0")) {
		t.Fatal("broken part not moved aside")
	}
	detached, err := again.DetachedParts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(detached) != 1 || detached[0].Attachable {
		t.Fatalf("detached listing %+v", detached)
	}
}

func TestAlterReadsOldParts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	schema := abSchema("t")
	schema.Columns[0].Type = coltypes.Int32
	tbl := env.create(t, schema)
	if _, err := tbl.Insert(ctx, []map[string]any{{"A": 4, "B": "x"}}); err != nil {
		t.Fatal(err)
	}

	_, err := tbl.Alter(ctx,
		AlterCommand{Op: AlterModifyColumn, Column: metastore.Column{Name: "A", Type: coltypes.Int64}},
		AlterCommand{Op: AlterAddColumn, Column: metastore.Column{Name: "Z", Type: coltypes.String, Default: "'z'"}, After: "A"},
		AlterCommand{Op: AlterDropColumn, Column: metastore.Column{Name: "B"}},
	)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := tbl.Select(ctx, nil, partitioner.Predicate{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || len(rows[0].ColVals) != 2 || rows[0].ColVals[0] != int64(4) || rows[0].ColVals[1] != "z" {
		t.Fatalf("rows %+v", rows)
	}

	if _, err := tbl.Alter(ctx, AlterCommand{Op: AlterModifyColumn, Column: metastore.Column{Name: "A", Type: coltypes.Int8}}); !errors.Is(err, metastore.ErrBadAlter) {
		t.Fatalf("expected bad alter, got %v", err)
	}
	stored, err := env.ms.GetTableSchema(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Columns) != 2 || stored.Columns[1].Name != "Z" {
		t.Fatalf("stored schema %+v", stored.Columns)
	}
}

func TestInsertSplitsPartitions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	schema := abSchema("t", metastore.Column{Name: "d", Type: coltypes.Date})
	schema.Settings.PartitionBy = "toYYYYMM(d)"
	tbl := env.create(t, schema)

	names, err := tbl.Insert(ctx, []map[string]any{
		{"A": 1, "d": "2024-01-01"},
		{"A": 2, "d": "2024-02-01"},
		{"A": 3, "d": "2024-01-31"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "202401_1_1_0" || names[1] != "202402_2_2_0" {
		t.Fatalf("parts %v", names)
	}
	jan := partitioner.Predicate{Operator: partitioner.EQ, Values: []string{"202401"}}
	if n := tbl.Count(ctx, jan); n != 2 {
		t.Fatalf("january count %d", n)
	}
	if _, err := tbl.Insert(ctx, []map[string]any{{"nope": 1}}); !errors.Is(err, part.ErrNotFound) {
		t.Fatalf("expected unknown column, got %v", err)
	}
}
