package table

import (
	"context"
	"fmt"

	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/partitioner"
	"github.com/danthegoodman1/icepart/reconciler"
)

// plan returns how p is read under schema. Admission already decided whether a type
// difference is acceptable, so reads allow every defined conversion. Only active
// parts are cached; deactivation evicts them.
func (t *Table) plan(p *part.Part, schema metastore.TableSchema) (*reconciler.Plan, error) {
	t.plansMu.Lock()
	defer t.plansMu.Unlock()
	if pl, ok := t.plans[p]; ok {
		return pl, nil
	}
	pl, err := reconciler.Reconcile(p, schema, reconciler.Options{
		LegacyMetadataFix: true,
		IndexGranularity:  schema.Settings.IndexGranularity,
	})
	if err != nil {
		return nil, err
	}
	if p.State() == part.StateActive {
		t.plans[p] = pl
	}
	return pl, nil
}

func (t *Table) resetPlans() {
	t.plansMu.Lock()
	defer t.plansMu.Unlock()
	t.plans = map[*part.Part]*reconciler.Plan{}
}

// readBlock reads the named table columns of one part.
func (t *Table) readBlock(p *part.Part, schema metastore.TableSchema, columns []string) ([][]any, error) {
	pl, err := t.plan(p, schema)
	if err != nil {
		return nil, err
	}
	data := make([][]any, len(columns))
	for i, c := range columns {
		if data[i], err = pl.ReadColumn(p, c, schema.Settings.IndexGranularity); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (t *Table) resolveColumns(schema metastore.TableSchema, columns []string) ([]string, error) {
	if len(columns) == 0 {
		out := make([]string, len(schema.Columns))
		for i, c := range schema.Columns {
			out[i] = c.Name
		}
		return out, nil
	}
	for _, c := range columns {
		if _, ok := schema.Column(c); !ok {
			return nil, &part.NotFoundError{Kind: "column", Name: c}
		}
	}
	return columns, nil
}

// Select reads columns (all when empty) of every active part whose partition
// matches pred, in part order.
func (t *Table) Select(ctx context.Context, columns []string, pred partitioner.Predicate) ([]Row, error) {
	end, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	t.schemaMu.RLock()
	defer t.schemaMu.RUnlock()
	schema := t.schema
	columns, err = t.resolveColumns(schema, columns)
	if err != nil {
		return nil, err
	}

	snap := t.parts.Acquire()
	defer snap.Release()

	var rows []Row
	for _, p := range snap.Parts {
		if !pred.Matches(p.Info.PartitionID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := t.readBlock(p, schema, columns)
		if err != nil {
			return nil, fmt.Errorf("error reading part %s: %w", p.Name(), err)
		}
		granules, err := p.GranuleRows(schema.Settings.IndexGranularity)
		if err != nil {
			return nil, fmt.Errorf("error reading part %s: %w", p.Name(), err)
		}
		var num int64
		for g, n := range granules {
			for j := uint64(0); j < n; j++ {
				row := Row{Part: p.Name(), Num: num, Granule: int64(g), ColNames: columns, ColVals: make([]any, len(columns))}
				for c := range columns {
					col, _ := schema.Column(columns[c])
					row.ColVals[c] = coltypes.Display(col.Type, data[c][num])
				}
				rows = append(rows, row)
				num++
			}
		}
	}
	return rows, nil
}

// Count sums the row counts of the matching parts without reading column data.
func (t *Table) Count(_ context.Context, pred partitioner.Predicate) uint64 {
	snap := t.parts.Acquire()
	defer snap.Release()
	var n uint64
	for _, p := range snap.Parts {
		if pred.Matches(p.Info.PartitionID) {
			n += p.Rows
		}
	}
	return n
}

// Sum adds up a numeric column. The result is int64 for signed columns, uint64 for
// unsigned ones and float64 for floats.
func (t *Table) Sum(ctx context.Context, column string, pred partitioner.Predicate) (any, error) {
	end, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	t.schemaMu.RLock()
	defer t.schemaMu.RUnlock()
	schema := t.schema
	col, ok := schema.Column(column)
	if !ok {
		return nil, &part.NotFoundError{Kind: "column", Name: column}
	}
	if !col.Type.IsNumeric() || col.Type == coltypes.Date || col.Type == coltypes.DateTime {
		return nil, fmt.Errorf("cannot sum column %s of type %s", column, col.Type)
	}

	snap := t.parts.Acquire()
	defer snap.Release()

	var (
		si int64
		su uint64
		sf float64
	)
	for _, p := range snap.Parts {
		if !pred.Matches(p.Info.PartitionID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := t.readBlock(p, schema, []string{column})
		if err != nil {
			return nil, fmt.Errorf("error reading part %s: %w", p.Name(), err)
		}
		for _, v := range data[0] {
			switch x := v.(type) {
			case int64:
				si += x
			case uint64:
				su += x
			case float64:
				sf += x
			}
		}
	}
	switch {
	case col.Type.IsSigned():
		return si, nil
	case col.Type.IsUnsigned():
		return su, nil
	default:
		return sf, nil
	}
}
