package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/config"
	"github.com/danthegoodman1/icepart/freezer"
	"github.com/danthegoodman1/icepart/icedb"
	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/table"
	"github.com/urfave/cli/v2"
)

func run(t *testing.T, root string, out any, args ...string) error {
	t.Helper()
	var buf bytes.Buffer
	app := App()
	app.Writer = &buf
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"icepart", "--data-root", root}, args...))
	if err == nil && out != nil {
		if jerr := json.Unmarshal(buf.Bytes(), out); jerr != nil {
			t.Fatalf("%v: %s: %s", args, jerr, buf.String())
		}
	}
	return err
}

func seed(t *testing.T, root string) {
	t.Helper()
	ctx := context.Background()
	db, err := icedb.Open(ctx, config.Config{DataRoot: root})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close(ctx)
	tbl, err := db.CreateTable(ctx, metastore.TableSchema{
		Name:     "events",
		Columns:  []metastore.Column{{Name: "A", Type: coltypes.Int64}},
		Settings: metastore.DefaultSettings(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Insert(ctx, []map[string]any{{"A": 1}, {"A": 2}}); err != nil {
		t.Fatal(err)
	}
}

func TestCommands(t *testing.T) {
	root := t.TempDir()
	seed(t, root)

	var tables []string
	if err := run(t, root, &tables, "tables"); err != nil {
		t.Fatal(err)
	}
	if len(tables) != 1 || tables[0] != "events" {
		t.Fatalf("tables %v", tables)
	}

	var frozen freezer.Result
	if err := run(t, root, &frozen, "freeze", "--table", "events"); err != nil {
		t.Fatal(err)
	}
	if frozen.Epoch != 1 || len(frozen.Parts) != 1 {
		t.Fatalf("freeze %+v", frozen)
	}

	var detached table.DetachedResult
	if err := run(t, root, &detached, "detach", "--table", "events", "--partition", "tuple()"); err != nil {
		t.Fatal(err)
	}
	if len(detached.Parts) != 1 {
		t.Fatalf("detach %+v", detached)
	}

	var attached table.AttachResult
	if err := run(t, root, &attached, "attach", "-t", "events", "-p", detached.Parts[0]); err != nil {
		t.Fatal(err)
	}
	if len(attached.Parts) != 1 || attached.Parts[0].Rows != 2 {
		t.Fatalf("attach %+v", attached)
	}

	var check table.CheckResult
	if err := run(t, root, &check, "check", "--table", "events"); err != nil {
		t.Fatal(err)
	}
	if !check.Passed {
		t.Fatalf("check %+v", check)
	}

	if err := run(t, root, nil, "unfreeze", "--epoch", "1"); err != nil {
		t.Fatal(err)
	}
	if err := run(t, root, nil, "unfreeze", "--epoch", "1"); err == nil {
		t.Fatal("second unfreeze succeeded")
	}
	if err := run(t, root, nil, "freeze"); err == nil {
		t.Fatal("freeze without --table succeeded")
	}
}
