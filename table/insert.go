package table

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/metrics"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/partitioner"
	"github.com/danthegoodman1/icepart/utils"
	"github.com/rs/zerolog"
)

// Insert writes rows as one new part per partition and publishes all of them in
// one version. Missing columns take their default, unknown columns are an error.
func (t *Table) Insert(ctx context.Context, rows []map[string]any) (names []string, err error) {
	end, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer end()
	if len(rows) == 0 {
		return nil, nil
	}
	started := time.Now()
	defer func() { metrics.Observe(t.name, "insert", started, err) }()
	ctx = gologger.WithOp(ctx, "insert", t.name)

	t.schemaMu.RLock()
	defer t.schemaMu.RUnlock()
	schema := t.schema

	blocks, err := buildBlocks(schema, rows)
	if err != nil {
		return nil, err
	}
	partitions := make([]string, 0, len(blocks))
	for id := range blocks {
		partitions = append(partitions, id)
	}
	sort.Strings(partitions)

	first := t.parts.AllocateBlocks(uint64(len(partitions)))
	infos := make([]part.Info, len(partitions))
	for i, id := range partitions {
		infos[i] = part.Info{PartitionID: id, MinBlock: first + uint64(i), MaxBlock: first + uint64(i)}
	}
	res, err := t.parts.Reserve(infos...)
	if err != nil {
		return nil, err
	}
	written := make([]*part.Part, 0, len(infos))
	for i, info := range infos {
		block := blocks[partitions[i]]
		p, err := t.writePart(ctx, "insert_", info, *block, schema.WriteOptions(uint64(block.Rows())))
		if err != nil {
			res.Rollback()
			t.discard(ctx, written)
			return nil, err
		}
		written = append(written, p)
	}
	if _, err := res.Commit(written...); err != nil {
		res.Rollback()
		t.discard(ctx, written)
		return nil, fmt.Errorf("error in Commit: %w", err)
	}
	for _, p := range written {
		names = append(names, p.Name())
	}
	zerolog.Ctx(ctx).Debug().Strs("parts", names).Int("rows", len(rows)).Msg("inserted")
	return names, nil
}

// writePart writes block into a staging directory, renames it to info's name and
// loads it back.
func (t *Table) writePart(ctx context.Context, prefix string, info part.Info, block part.Block, opts part.WriteOptions) (*part.Part, error) {
	stage, err := t.ds.StageDirectory(ctx, t.dir, prefix)
	if err != nil {
		return nil, fmt.Errorf("error in StageDirectory: %w", err)
	}
	if err := part.Write(stage, block, opts); err != nil {
		_ = t.ds.Remove(ctx, stage)
		return nil, fmt.Errorf("error in part.Write: %w", err)
	}
	final := filepath.Join(t.dir, info.Name())
	if err := t.ds.AtomicRename(ctx, stage, final); err != nil {
		_ = t.ds.Remove(ctx, stage)
		return nil, fmt.Errorf("error in AtomicRename: %w", err)
	}
	p, err := part.Load(final)
	if err != nil {
		_ = t.ds.Remove(ctx, final)
		return nil, fmt.Errorf("error loading written part: %w", err)
	}
	p.SetState(part.StatePreActive)
	return p, nil
}

// discard removes parts that were written but never admitted.
func (t *Table) discard(ctx context.Context, parts []*part.Part) {
	for _, p := range parts {
		if err := t.ds.Remove(ctx, p.Dir); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("part", p.Name()).Msg("failed to remove unadmitted part")
		}
	}
}

func buildBlocks(schema metastore.TableSchema, rows []map[string]any) (map[string]*part.Block, error) {
	plans, err := schema.PartitionKey()
	if err != nil {
		return nil, fmt.Errorf("error in PartitionKey: %w", err)
	}
	defaults := make([]any, len(schema.Columns))
	for i, c := range schema.Columns {
		def, err := coltypes.ParseDefault(c.Type, c.Default)
		if err != nil {
			return nil, fmt.Errorf("error in ParseDefault for %s: %w", c.Name, err)
		}
		defaults[i] = def.Value()
	}
	keyCols := partitioner.Columns(plans)

	blocks := map[string]*part.Block{}
	for n, row := range rows {
		for name := range row {
			if _, ok := schema.Column(name); !ok {
				return nil, &part.NotFoundError{Kind: "column", Name: name}
			}
		}
		vals := make([]any, len(schema.Columns))
		for i, c := range schema.Columns {
			raw, ok := row[c.Name]
			if !ok {
				vals[i] = defaults[i]
				continue
			}
			v, err := coltypes.Normalize(c.Type, raw)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", n, c.Name, err)
			}
			vals[i] = v
		}

		keyRow := make(map[string]any, len(keyCols))
		for i, c := range schema.Columns {
			if utils.ContainsString(keyCols, c.Name) {
				keyRow[c.Name] = coltypes.Display(c.Type, vals[i])
			}
		}
		id, err := partitioner.GetRowPartition(keyRow, plans)
		if err != nil {
			return nil, fmt.Errorf("row %d: error in GetRowPartition: %w", n, err)
		}

		block, ok := blocks[id]
		if !ok {
			block = &part.Block{Columns: schema.PartColumns(), Data: make([][]any, len(schema.Columns))}
			blocks[id] = block
		}
		for i := range vals {
			block.Data[i] = append(block.Data[i], vals[i])
		}
	}
	return blocks, nil
}
