package partitioner

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestToDay(t *testing.T) {
	f := Functions["toDay"]

	day, err := f(map[string]any{"hey": "ho"}, []string{"now()"})
	if err != nil {
		t.Fatal(err)
	}

	if day != fmt.Sprint(time.Now().UTC().Day()) {
		t.Fatal("mismatched date")
	}

	day, err = f(map[string]any{"t": "2022-01-24T00:00:00.000Z"}, []string{"t"})
	if err != nil {
		t.Fatal(err)
	}

	if day != "24" {
		t.Fatal("mismatched date for t string")
	}

	day, err = f(map[string]any{"t": 1672406408279.0}, []string{"t"})
	if err != nil {
		t.Fatal(err)
	}

	if day != "30" {
		t.Fatal("mismatched date for t int")
	}

	_, err = f(map[string]any{"t": 1672406408279}, []string{"t"})
	if !errors.Is(err, ErrInvalidColumnType) {
		t.Fatal("did not get invalid col type")
	}
}

func TestGetRowPartition(t *testing.T) {
	cases := []struct {
		key  string
		row  map[string]any
		want string
	}{
		{"", map[string]any{"a": int64(1)}, "all"},
		{"tuple()", map[string]any{"a": int64(1)}, "all"},
		{"a", map[string]any{"a": int64(-3)}, "-3"},
		{"toYYYYMM(d)", map[string]any{"d": "2023-02-17"}, "202302"},
		{"toYYYYMMDD(ts)", map[string]any{"ts": "2023-02-17 10:11:12"}, "20230217"},
		{"toMonday(d)", map[string]any{"d": "2023-02-19"}, "20230213"},
		{"tuple(toYear(d), k)", map[string]any{"d": "2023-02-19", "k": uint64(7)}, "2023-7"},
	}
	for _, c := range cases {
		plans, err := ParseKey(c.key)
		if err != nil {
			t.Fatalf("%s: %s", c.key, err)
		}
		got, err := GetRowPartition(c.row, plans)
		if err != nil {
			t.Fatalf("%s: %s", c.key, err)
		}
		if got != c.want {
			t.Fatalf("%s: got %s want %s", c.key, got, c.want)
		}
	}

	plans, err := ParseKey("s")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := GetRowPartition(map[string]any{"s": "hello"}, plans)
	b, _ := GetRowPartition(map[string]any{"s": "hello"}, plans)
	c, _ := GetRowPartition(map[string]any{"s": "world"}, plans)
	if len(a) != 32 || a != b || a == c {
		t.Fatalf("bad string partition ids %s %s %s", a, b, c)
	}

	if _, err := ParseKey("nope(d)"); !errors.Is(err, ErrFuncNotFound) {
		t.Fatalf("expected ErrFuncNotFound, got %v", err)
	}
	if _, err := GetRowPartition(map[string]any{}, []PartitionPlan{{Func: IdentityFunc, Args: []string{"x"}}}); !errors.Is(err, ErrMissingColumns) {
		t.Fatalf("expected ErrMissingColumns, got %v", err)
	}
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		in      string
		matches []string
		misses  []string
	}{
		{"ALL", []string{"all", "202301"}, nil},
		{"tuple()", []string{"all"}, []string{"202301"}},
		{"'202301'", []string{"202301"}, []string{"202302"}},
		{"IN (202301, 202303)", []string{"202301", "202303"}, []string{"202302"}},
		{">= 202302", []string{"202302", "202312"}, []string{"202301"}},
		{"<202302", []string{"202301"}, []string{"202302"}},
	}
	for _, c := range cases {
		p, err := ParsePredicate(c.in)
		if err != nil {
			t.Fatalf("%s: %s", c.in, err)
		}
		for _, id := range c.matches {
			if !p.Matches(id) {
				t.Fatalf("%s should match %s", c.in, id)
			}
		}
		for _, id := range c.misses {
			if p.Matches(id) {
				t.Fatalf("%s should not match %s", c.in, id)
			}
		}
	}

	if _, err := ParsePredicate("bad_id"); err == nil {
		t.Fatal("expected bad partition id to fail")
	}
	if err := (Predicate{Operator: "LIKE", Values: []string{"x"}}).Validate(); err == nil {
		t.Fatal("expected unknown operator to fail")
	}
}
