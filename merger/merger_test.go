package merger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/datastore"
	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/partset"
	"github.com/danthegoodman1/icepart/table"
	"github.com/danthegoodman1/icepart/utils"
)

type fakeTarget struct {
	ps    *partset.PartSet
	errs  []error
	calls int
}

func (f *fakeTarget) Name() string              { return "fake" }
func (f *fakeTarget) PartSet() *partset.PartSet { return f.ps }

func (f *fakeTarget) MergePartition(context.Context, string) (string, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return "all_1_2_1", nil
}

func TestMergeRetries(t *testing.T) {
	ctx := context.Background()
	cfg := Config{MinParts: 2, MaxElapsed: 10 * time.Second}

	flaky := &fakeTarget{ps: partset.New("fake", nil), errs: []error{errors.New("disk hiccup")}}
	name, err := New(flaky, cfg).Merge(ctx, "all")
	if err != nil {
		t.Fatal(err)
	}
	if name != "all_1_2_1" || flaky.calls != 2 {
		t.Fatalf("merged %s after %d calls", name, flaky.calls)
	}

	perm := &fakeTarget{ps: partset.New("fake", nil), errs: []error{table.ErrNothingToMerge}}
	if _, err := New(perm, cfg).Merge(ctx, "all"); !errors.Is(err, table.ErrNothingToMerge) {
		t.Fatalf("expected nothing to merge, got %v", err)
	}
	if perm.calls != 1 {
		t.Fatalf("permanent error retried %d times", perm.calls)
	}
	if !utils.IsPermanent(table.ErrNothingToMerge) {
		t.Fatal("nothing to merge is not permanent")
	}
}

func TestCorruptPartStopsRetries(t *testing.T) {
	ctx := context.Background()
	ps := partset.New("fake", nil)
	_, err := ps.Load([]*part.Part{
		{Info: part.Info{PartitionID: "all", MinBlock: 1, MaxBlock: 1}},
		{Info: part.Info{PartitionID: "all", MinBlock: 2, MaxBlock: 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	corrupt := &part.CorruptPartError{Part: "all_1_1_0", File: "A.mrk2", Reason: "mark 0 has no rows"}
	target := &fakeTarget{ps: ps, errs: []error{corrupt, corrupt}}
	m := New(target, Config{MinParts: 2, MaxElapsed: 10 * time.Second})

	m.maybeMerge(ctx, "all")
	if target.calls != 1 {
		t.Fatalf("corrupt part merged %d times", target.calls)
	}
	m.maybeMerge(ctx, "all")
	if target.calls != 1 {
		t.Fatal("retried although the partition did not change")
	}

	info := part.Info{PartitionID: "all", MinBlock: 3, MaxBlock: 3}
	res, err := ps.Reserve(info)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := res.Commit(&part.Part{Info: info}); err != nil {
		t.Fatal(err)
	}
	m.maybeMerge(ctx, "all")
	if target.calls != 2 {
		t.Fatalf("not retried after the partition changed, %d calls", target.calls)
	}
	if !utils.IsPermanent(&part.MalformedPartError{}) {
		t.Fatal("malformed part is not permanent")
	}
}

func TestMergerFollowsInserts(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	ds, err := datastore.NewDiskDataStore(root)
	if err != nil {
		t.Fatal(err)
	}
	ms, err := metastore.NewDiskMetaStore(filepath.Join(root, "metadata"))
	if err != nil {
		t.Fatal(err)
	}
	schema, err := ms.CreateTableSchema(ctx, metastore.TableSchema{
		Name:     "t",
		Columns:  []metastore.Column{{Name: "A", Type: coltypes.Int64}},
		Settings: metastore.DefaultSettings(),
	})
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := table.Open(ctx, ds, ms, schema, ds.Path("data", "t"))
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	m := New(tbl, Config{MinParts: 3, MaxElapsed: 5 * time.Second})
	m.Start()
	defer m.Stop()

	for i := 1; i <= 3; i++ {
		if _, err := tbl.Insert(ctx, []map[string]any{{"A": i}}); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(10 * time.Second)
	for tbl.PartSet().Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("still %d parts", tbl.PartSet().Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := tbl.Parts()[0].Rows; n != 3 {
		t.Fatalf("merged part has %d rows", n)
	}
	if len(m.Candidates()) != 0 {
		t.Fatal("merged partition still a candidate")
	}
}
