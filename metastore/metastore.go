package metastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/partitioner"
)

var (
	logger = gologger.NewComponentLogger("metastore")

	ErrTableExists = errors.New("table already exists")
	ErrBadSchema   = errors.New("bad table schema")
	ErrBadAlter    = errors.New("alter not allowed")
)

const (
	DefaultIndexGranularity = 8192
)

type (
	MetaStore interface {
		// GetTableSchema fetches the table schema for a given table
		GetTableSchema(ctx context.Context, table string) (TableSchema, error)
		ListTableSchemas(ctx context.Context) ([]TableSchema, error)

		// CreateTableSchema assigns the table an ID and persists it
		CreateTableSchema(ctx context.Context, ts TableSchema) (TableSchema, error)
		// UpdateTableSchema replaces the stored schema, bumping its version
		UpdateTableSchema(ctx context.Context, ts TableSchema) (TableSchema, error)
		DropTableSchema(ctx context.Context, table string) error

		Shutdown(ctx context.Context) error
	}

	TableSchema struct {
		ID       string   `json:"id"`
		Name     string   `json:"name"`
		Columns  []Column `json:"columns"`
		Settings Settings `json:"settings"`
		Version  int64    `json:"version"`

		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	Column struct {
		Name    string        `json:"name"`
		Type    coltypes.Type `json:"type"`
		Default string        `json:"default,omitempty"`
	}

	Settings struct {
		IndexGranularity uint64 `json:"index_granularity"`
		// EnableMixedGranularityParts makes new parts carry explicit per-mark row counts
		EnableMixedGranularityParts bool `json:"enable_mixed_granularity_parts"`
		// MinRowsForWidePart writes smaller parts in the compact layout, 0 disables it
		MinRowsForWidePart uint64 `json:"min_rows_for_wide_part"`
		PartitionBy        string `json:"partition_by"`
	}
)

func DefaultSettings() Settings {
	return Settings{
		IndexGranularity:            DefaultIndexGranularity,
		EnableMixedGranularityParts: true,
	}
}

// Validate checks names, types, defaults and the partition key.
func (ts TableSchema) Validate() error {
	if !validName(ts.Name) || strings.HasPrefix(ts.Name, "tmp_") {
		return fmt.Errorf("%w: bad table name %q", ErrBadSchema, ts.Name)
	}
	if len(ts.Columns) == 0 {
		return fmt.Errorf("%w: no columns", ErrBadSchema)
	}
	if ts.Settings.IndexGranularity == 0 {
		return fmt.Errorf("%w: index_granularity must be positive", ErrBadSchema)
	}
	seen := map[string]bool{}
	for _, c := range ts.Columns {
		if c.Name == "" {
			return fmt.Errorf("%w: empty column name", ErrBadSchema)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate column %s", ErrBadSchema, c.Name)
		}
		seen[c.Name] = true
		if !c.Type.Valid() {
			return fmt.Errorf("%w: column %s has no valid type", ErrBadSchema, c.Name)
		}
		if _, err := coltypes.ParseDefault(c.Type, c.Default); err != nil {
			return fmt.Errorf("%w: column %s: %s", ErrBadSchema, c.Name, err)
		}
	}
	plans, err := partitioner.ParseKey(ts.Settings.PartitionBy)
	if err != nil {
		return fmt.Errorf("%w: partition_by: %s", ErrBadSchema, err)
	}
	for _, col := range partitioner.Columns(plans) {
		if !seen[col] {
			return fmt.Errorf("%w: partition key column %s does not exist", ErrBadSchema, col)
		}
	}
	return nil
}

func (ts TableSchema) Column(name string) (Column, bool) {
	for _, c := range ts.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// PartColumns is the column manifest new parts of this table are written with.
func (ts TableSchema) PartColumns() []part.ColumnDesc {
	out := make([]part.ColumnDesc, len(ts.Columns))
	for i, c := range ts.Columns {
		out[i] = part.ColumnDesc{Name: c.Name, Type: c.Type}
	}
	return out
}

func (ts TableSchema) PartitionKey() ([]partitioner.PartitionPlan, error) {
	return partitioner.ParseKey(ts.Settings.PartitionBy)
}

// WriteOptions returns how a new part of rows rows is laid out on disk.
func (ts TableSchema) WriteOptions(rows uint64) part.WriteOptions {
	opts := part.WriteOptions{
		IndexGranularity: ts.Settings.IndexGranularity,
		Mode:             part.GranularityImplicit,
		Layout:           part.LayoutWide,
	}
	if ts.Settings.EnableMixedGranularityParts {
		opts.Mode = part.GranularityExplicit
	}
	if rows < ts.Settings.MinRowsForWidePart {
		opts.Layout = part.LayoutCompact
		opts.Mode = part.GranularityExplicit
	}
	return opts
}

// AddColumn appends col, or inserts it after the column named after when set.
func (ts TableSchema) AddColumn(col Column, after string) (TableSchema, error) {
	if _, exists := ts.Column(col.Name); exists {
		return ts, fmt.Errorf("%w: column %s already exists", ErrBadAlter, col.Name)
	}
	cols := make([]Column, 0, len(ts.Columns)+1)
	if after == "" {
		cols = append(cols, ts.Columns...)
		cols = append(cols, col)
	} else {
		found := false
		for _, c := range ts.Columns {
			cols = append(cols, c)
			if c.Name == after {
				cols = append(cols, col)
				found = true
			}
		}
		if !found {
			return ts, fmt.Errorf("%w: column %s does not exist", ErrBadAlter, after)
		}
	}
	return ts.withColumns(cols)
}

// DropColumn removes a column from the schema. Existing parts keep its files.
func (ts TableSchema) DropColumn(name string) (TableSchema, error) {
	if _, exists := ts.Column(name); !exists {
		return ts, &part.NotFoundError{Kind: "column", Name: name}
	}
	plans, err := ts.PartitionKey()
	if err != nil {
		return ts, err
	}
	for _, keyCol := range partitioner.Columns(plans) {
		if keyCol == name {
			return ts, fmt.Errorf("%w: column %s is part of the partition key", ErrBadAlter, name)
		}
	}
	cols := make([]Column, 0, len(ts.Columns))
	for _, c := range ts.Columns {
		if c.Name != name {
			cols = append(cols, c)
		}
	}
	return ts.withColumns(cols)
}

// ModifyColumn changes a column's type or default. Parts are never rewritten, so
// only widening type changes are allowed.
func (ts TableSchema) ModifyColumn(col Column) (TableSchema, error) {
	old, exists := ts.Column(col.Name)
	if !exists {
		return ts, &part.NotFoundError{Kind: "column", Name: col.Name}
	}
	if !coltypes.IsWidening(old.Type, col.Type) {
		return ts, fmt.Errorf("%w: %s to %s is not a lossless widening", ErrBadAlter, old.Type, col.Type)
	}
	cols := make([]Column, len(ts.Columns))
	for i, c := range ts.Columns {
		if c.Name == col.Name {
			c = col
		}
		cols[i] = c
	}
	return ts.withColumns(cols)
}

func (ts TableSchema) withColumns(cols []Column) (TableSchema, error) {
	ts.Columns = cols
	if err := ts.Validate(); err != nil {
		return ts, err
	}
	return ts, nil
}

func validName(s string) bool {
	if s == "" || len(s) > 200 {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
