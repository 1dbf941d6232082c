package http_server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danthegoodman1/gojsonutils"
	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/partitioner"
	"github.com/danthegoodman1/icepart/schema_accumulator"
	"github.com/danthegoodman1/icepart/table"
	"github.com/danthegoodman1/icepart/utils"
	"github.com/rs/zerolog"
)

type (
	InsertReqBody struct {
		// Line-delimited JSON (NDJSON)
		RowsString *string `json:"rows_string"`
		// Array of JSON
		Rows []map[string]any `json:"rows"`
	}

	InsertStats struct {
		NumRows int64    `json:"num_rows"`
		Parts   []string `json:"parts"`
		TimeMS  int64    `json:"time_ms"`
	}

	SelectResponse struct {
		Columns []string `json:"columns"`
		Rows    [][]any  `json:"rows"`
	}
)

var (
	ErrNotFlatMap = errors.New("not a flat map")
)

// flatten turns nested objects into columns, {"a":{"b":1}} becomes a_b.
func flatten(row map[string]any) (map[string]any, error) {
	flat, err := gojsonutils.Flatten(row, nil)
	if err != nil {
		return nil, fmt.Errorf("error in Flatten: %w", err)
	}
	flatMap, ok := flat.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %+v", ErrNotFlatMap, flat)
	}
	out := make(map[string]any, len(flatMap))
	for k, v := range flatMap {
		out[strings.ReplaceAll(k, ".", "_")] = v
	}
	return out, nil
}

func (s *HTTPServer) InsertHandler(c *CustomContext) error {
	ctx := c.Request().Context()
	start := time.Now()

	var reqBody InsertReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	var rows []map[string]any
	if reqBody.RowsString != nil {
		ndJSONScanner := bufio.NewScanner(strings.NewReader(*reqBody.RowsString))
		for ndJSONScanner.Scan() {
			line := strings.TrimSpace(ndJSONScanner.Text())
			if line == "" {
				continue
			}
			dec := json.NewDecoder(strings.NewReader(line))
			dec.UseNumber()
			var jsonMap map[string]any
			if err := dec.Decode(&jsonMap); err != nil {
				return c.String(http.StatusBadRequest, "line was not a JSON object")
			}
			flat, err := flatten(jsonMap)
			if err != nil {
				return c.InternalError(err, "error flattening JSON map")
			}
			rows = append(rows, flat)
		}
		if err := ndJSONScanner.Err(); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
	}
	for _, row := range reqBody.Rows {
		flat, err := flatten(row)
		if err != nil {
			return c.InternalError(err, "error flattening JSON map")
		}
		rows = append(rows, flat)
	}

	if len(rows) == 0 {
		return c.String(http.StatusBadRequest, "no rows found")
	}

	tbl, err := s.DB.GetTable(c.Param("table"))
	if errors.Is(err, part.ErrNotFound) && c.QueryParam("create") == "true" {
		tbl, err = s.createFromRows(c, rows)
	}
	if err != nil {
		return c.Fail(err, "error getting table")
	}

	parts, err := tbl.Insert(ctx, rows)
	if err != nil {
		return c.Fail(err, "error inserting rows")
	}

	return c.JSON(http.StatusAccepted, InsertStats{
		NumRows: int64(len(rows)),
		Parts:   parts,
		TimeMS:  time.Since(start).Milliseconds(),
	})
}

// createFromRows creates the unpartitioned table named in the path with columns
// inferred from rows.
func (s *HTTPServer) createFromRows(c *CustomContext, rows []map[string]any) (*table.Table, error) {
	acc := schema_accumulator.NewSchemaAccumulator()
	for _, row := range rows {
		acc.WriteRow(row)
	}
	zerolog.Ctx(c.Request().Context()).Info().Strs("columns", acc.GetColumnNames()).Msg("creating table from inserted rows")
	return s.DB.CreateTable(c.Request().Context(), metastore.TableSchema{
		Name:     c.Param("table"),
		Columns:  acc.Columns(),
		Settings: metastore.DefaultSettings(),
	})
}

// SelectHandler reads ?columns=a,b from the partitions matching ?partition=.
func (s *HTTPServer) SelectHandler(c *CustomContext) error {
	tbl, err := s.DB.GetTable(c.Param("table"))
	if err != nil {
		return c.Fail(err, "error getting table")
	}
	pred, err := partitioner.ParsePredicate(c.QueryParam("partition"))
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	var columns []string
	if cols := c.QueryParam("columns"); cols != "" {
		columns = strings.Split(cols, ",")
	}

	rows, err := tbl.Select(c.Request().Context(), columns, pred)
	if err != nil {
		return c.Fail(err, "error selecting rows")
	}
	schema := tbl.Schema()
	res := SelectResponse{Columns: columns, Rows: make([][]any, 0, len(rows))}
	for _, row := range rows {
		if res.Columns == nil {
			res.Columns = row.ColNames
		}
		vals := make([]any, len(row.ColVals))
		for i, v := range row.ColVals {
			col, _ := schema.Column(row.ColNames[i])
			vals[i] = coltypes.Display(col.Type, v)
		}
		res.Rows = append(res.Rows, vals)
	}
	res.Columns = utils.ArrayOrEmpty(res.Columns)
	return c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) CountHandler(c *CustomContext) error {
	tbl, err := s.DB.GetTable(c.Param("table"))
	if err != nil {
		return c.Fail(err, "error getting table")
	}
	pred, err := partitioner.ParsePredicate(c.QueryParam("partition"))
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]uint64{"count": tbl.Count(c.Request().Context(), pred)})
}

func (s *HTTPServer) SumHandler(c *CustomContext) error {
	tbl, err := s.DB.GetTable(c.Param("table"))
	if err != nil {
		return c.Fail(err, "error getting table")
	}
	pred, err := partitioner.ParsePredicate(c.QueryParam("partition"))
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	sum, err := tbl.Sum(c.Request().Context(), c.Param("column"), pred)
	if err != nil {
		return c.Fail(err, "error summing column")
	}
	return c.JSON(http.StatusOK, map[string]any{"sum": sum})
}
