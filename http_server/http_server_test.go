package http_server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danthegoodman1/icepart/config"
	"github.com/danthegoodman1/icepart/freezer"
	"github.com/danthegoodman1/icepart/icedb"
	"github.com/danthegoodman1/icepart/table"
)

func newTestServer(t *testing.T) *HTTPServer {
	t.Helper()
	cfg := config.Config{DataRoot: t.TempDir()}
	cfg.HTTP.Port = 8090
	db, err := icedb.Open(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close(context.Background()) })
	return NewHTTPServer(db)
}

func do(t *testing.T, s *HTTPServer, method, path, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: %s: %s", method, path, err, rec.Body.String())
		}
	}
	return rec.Code
}

const eventsTable = `{
	"name": "events",
	"columns": [
		{"name": "A", "type": "Int64"},
		{"name": "B", "type": "String"},
		{"name": "d", "type": "Date"}
	],
	"settings": {"index_granularity": 8192, "partition_by": "toYYYYMM(d)"}
}`

func TestPartitionLifecycle(t *testing.T) {
	s := newTestServer(t)

	if code := do(t, s, http.MethodGet, "/hc", "", nil); code != http.StatusOK {
		t.Fatalf("hc %d", code)
	}
	if code := do(t, s, http.MethodPost, "/tables", eventsTable, nil); code != http.StatusCreated {
		t.Fatalf("create %d", code)
	}
	if code := do(t, s, http.MethodPost, "/tables", eventsTable, nil); code != http.StatusConflict {
		t.Fatalf("duplicate create %d", code)
	}

	var stats InsertStats
	body := `{"rows": [{"A": 1, "B": "x", "d": "2024-03-01"}, {"A": 2, "B": "y", "d": "2024-04-01"}]}`
	if code := do(t, s, http.MethodPost, "/tables/events/insert", body, &stats); code != http.StatusAccepted {
		t.Fatalf("insert %d", code)
	}
	if stats.NumRows != 2 || len(stats.Parts) != 2 {
		t.Fatalf("insert stats %+v", stats)
	}
	ndjson := `{"rows_string": "{\"A\": 4, \"B\": \"z\", \"d\": \"2024-03-15\"}\n"}`
	if code := do(t, s, http.MethodPost, "/tables/events/insert", ndjson, &stats); code != http.StatusAccepted {
		t.Fatalf("ndjson insert %d", code)
	}

	var frozen freezer.Result
	if code := do(t, s, http.MethodPost, "/tables/events/freeze", `{"partition": "202403"}`, &frozen); code != http.StatusOK {
		t.Fatalf("freeze %d", code)
	}
	if frozen.Epoch != 1 || len(frozen.Parts) != 2 {
		t.Fatalf("freeze %+v", frozen)
	}

	var detached table.DetachedResult
	if code := do(t, s, http.MethodPost, "/tables/events/detach", `{"partition": "202403"}`, &detached); code != http.StatusOK {
		t.Fatalf("detach %d", code)
	}
	if len(detached.Parts) != 2 {
		t.Fatalf("detach %+v", detached)
	}
	var count map[string]uint64
	do(t, s, http.MethodGet, "/tables/events/count", "", &count)
	if count["count"] != 1 {
		t.Fatalf("count after detach %v", count)
	}

	var attached table.AttachResult
	if code := do(t, s, http.MethodPost, "/tables/events/attach", `{"partition": "202403"}`, &attached); code != http.StatusOK {
		t.Fatalf("attach %d", code)
	}
	if len(attached.Parts) != 2 {
		t.Fatalf("attach %+v", attached)
	}

	var sum map[string]int64
	do(t, s, http.MethodGet, "/tables/events/sum/A?partition=202403", "", &sum)
	if sum["sum"] != 5 {
		t.Fatalf("sum %v", sum)
	}

	var merged MergeStats
	if code := do(t, s, http.MethodPost, "/tables/events/merge", `{"partition": "202403"}`, &merged); code != http.StatusOK {
		t.Fatalf("merge %d", code)
	}
	if !strings.HasPrefix(merged.Part, "202403_") {
		t.Fatalf("merged %+v", merged)
	}

	var sel SelectResponse
	if code := do(t, s, http.MethodGet, "/tables/events/select?columns=A,d&partition=202404", "", &sel); code != http.StatusOK {
		t.Fatalf("select %d", code)
	}
	if len(sel.Rows) != 1 || sel.Rows[0][1] != "2024-04-01" {
		t.Fatalf("select %+v", sel)
	}

	var check table.CheckResult
	if code := do(t, s, http.MethodGet, "/tables/events/check", "", &check); code != http.StatusOK || !check.Passed {
		t.Fatalf("check %d %+v", code, check)
	}

	var epochs []uint64
	do(t, s, http.MethodGet, "/shadow", "", &epochs)
	if len(epochs) != 1 || epochs[0] != 1 {
		t.Fatalf("epochs %v", epochs)
	}
	if code := do(t, s, http.MethodDelete, "/shadow/1", "", nil); code != http.StatusNoContent {
		t.Fatalf("unfreeze %d", code)
	}
}

func TestErrorStatus(t *testing.T) {
	s := newTestServer(t)
	if code := do(t, s, http.MethodPost, "/tables", eventsTable, nil); code != http.StatusCreated {
		t.Fatalf("create %d", code)
	}

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown table", http.MethodGet, "/tables/nope/parts", "", http.StatusNotFound},
		{"unknown detached part", http.MethodPost, "/tables/events/attach", `{"part": "202403_1_1_0"}`, http.StatusNotFound},
		{"reserved name", http.MethodPost, "/tables/events/attach", `{"part": "tmp_202403_1_1_0"}`, http.StatusUnprocessableEntity},
		{"part and partition", http.MethodPost, "/tables/events/attach", `{"part": "a", "partition": "b"}`, http.StatusBadRequest},
		{"empty detach", http.MethodPost, "/tables/events/detach", `{}`, http.StatusBadRequest},
		{"unknown column", http.MethodPost, "/tables/events/insert", `{"rows": [{"Q": 1}]}`, http.StatusNotFound},
		{"bad value", http.MethodPost, "/tables/events/insert", `{"rows": [{"A": "x", "d": "2024-03-01"}]}`, http.StatusBadRequest},
		{"no rows", http.MethodPost, "/tables/events/insert", `{"rows": []}`, http.StatusBadRequest},
		{"bad schema", http.MethodPost, "/tables", `{"name": "tmp_x", "columns": [{"name": "A", "type": "Int64"}]}`, http.StatusBadRequest},
		{"bad alter", http.MethodPost, "/tables/events/alter", `{"commands": [{"op": "rename_column"}]}`, http.StatusBadRequest},
		{"bad epoch", http.MethodDelete, "/shadow/x", "", http.StatusBadRequest},
		{"unknown epoch", http.MethodDelete, "/shadow/7", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := do(t, s, tc.method, tc.path, tc.body, nil); code != tc.want {
				t.Fatalf("got %d, want %d", code, tc.want)
			}
		})
	}
}

func TestInsertCreatesTable(t *testing.T) {
	s := newTestServer(t)

	body := `{"rows": [{"id": 1, "name": "a", "score": 1.5}, {"id": 2, "name": "b"}]}`
	if code := do(t, s, http.MethodPost, "/tables/users/insert", body, nil); code != http.StatusNotFound {
		t.Fatalf("insert without create %d", code)
	}
	var stats InsertStats
	if code := do(t, s, http.MethodPost, "/tables/users/insert?create=true", body, &stats); code != http.StatusAccepted {
		t.Fatalf("insert %d", code)
	}
	if stats.NumRows != 2 {
		t.Fatalf("stats %+v", stats)
	}

	var schema struct {
		Columns []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"columns"`
	}
	do(t, s, http.MethodGet, "/tables/users", "", &schema)
	got := map[string]string{}
	for _, c := range schema.Columns {
		got[c.Name] = c.Type
	}
	if got["id"] != "Int64" || got["name"] != "String" || got["score"] != "Float64" {
		t.Fatalf("columns %+v", schema.Columns)
	}

	var sum map[string]int64
	do(t, s, http.MethodGet, "/tables/users/sum/id", "", &sum)
	if sum["sum"] != 3 {
		t.Fatalf("sum %v", sum)
	}
}
