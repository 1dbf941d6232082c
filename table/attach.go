package table

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/metrics"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/partitioner"
	"github.com/danthegoodman1/icepart/reconciler"
	"github.com/rs/zerolog"
)

type (
	AttachOptions struct {
		// LegacyMetadataFix accepts columns whose on-disk type differs from the
		// table's when a conversion between the two exists.
		LegacyMetadataFix bool `json:"legacy_metadata_fix"`
		// PreserveBlockNumbers keeps the block range of the detached name. By default
		// every attached part gets a fresh block number.
		PreserveBlockNumbers bool `json:"preserve_block_numbers"`
	}

	AttachedPart struct {
		Source string `json:"source"`
		Name   string `json:"name"`
		Rows   uint64 `json:"rows"`
	}

	AttachResult struct {
		Version uint64         `json:"version"`
		Parts   []AttachedPart `json:"parts"`
	}

	attachCandidate struct {
		source string
		p      *part.Part
	}
)

// AttachPart admits detached/<name>.
func (t *Table) AttachPart(ctx context.Context, name string, opts AttachOptions) (res AttachResult, err error) {
	end, err := t.begin()
	if err != nil {
		return AttachResult{}, err
	}
	defer end()
	started := time.Now()
	defer func() { metrics.Observe(t.name, "attach", started, err) }()
	ctx = gologger.WithOp(ctx, "attach", t.name)

	if part.HasReservedPrefix(name) {
		return AttachResult{}, &part.MalformedPartError{Part: name, Reason: "reserved name prefix"}
	}
	return t.attach(ctx, []string{name}, opts)
}

// AttachPartition admits every detached part of the partitions matching pred.
// Names with a reserved prefix and names that are not part names are skipped.
func (t *Table) AttachPartition(ctx context.Context, pred partitioner.Predicate, opts AttachOptions) (res AttachResult, err error) {
	end, err := t.begin()
	if err != nil {
		return AttachResult{}, err
	}
	defer end()
	started := time.Now()
	defer func() { metrics.Observe(t.name, "attach", started, err) }()
	ctx = gologger.WithOp(ctx, "attach", t.name)

	detached, err := t.DetachedParts(ctx)
	if err != nil {
		return AttachResult{}, err
	}
	var names []string
	for _, dp := range detached {
		if dp.Attachable && pred.Matches(dp.Partition) {
			names = append(names, dp.Name)
		}
	}
	if len(names) == 0 {
		return AttachResult{}, &part.NotFoundError{Kind: "partition", Name: pred.String()}
	}
	return t.attach(ctx, names, opts)
}

// attach runs every admission gate on all candidates before anything moves, then
// renames them into the table and publishes them in one version. On failure the
// detached directory is left as it was.
func (t *Table) attach(ctx context.Context, names []string, opts AttachOptions) (AttachResult, error) {
	logger := zerolog.Ctx(ctx)

	t.schemaMu.RLock()
	defer t.schemaMu.RUnlock()
	schema := t.schema

	candidates := make([]attachCandidate, 0, len(names))
	for _, name := range names {
		p, err := t.admissible(filepath.Join(t.detachedDir, name), schema, opts)
		if err != nil {
			logger.Warn().Err(err).Str("part", name).Msg("part rejected")
			return AttachResult{}, err
		}
		candidates = append(candidates, attachCandidate{source: name, p: p})
	}

	infos := make([]part.Info, len(candidates))
	if opts.PreserveBlockNumbers {
		for i, c := range candidates {
			infos[i] = c.p.Info
		}
	} else {
		first := t.parts.AllocateBlocks(uint64(len(candidates)))
		for i, c := range candidates {
			info := c.p.Info.WithBlocks(first+uint64(i), first+uint64(i))
			info.Mutation = 0
			infos[i] = info
		}
	}
	res, err := t.parts.Reserve(infos...)
	if err != nil {
		return AttachResult{}, err
	}

	var moved []attachCandidate
	undo := func() {
		for i := len(moved) - 1; i >= 0; i-- {
			src := filepath.Join(t.detachedDir, moved[i].source)
			if err := t.ds.AtomicRename(ctx, moved[i].p.Dir, src); err != nil {
				logger.Error().Err(err).Str("part", moved[i].source).Msg("failed to move part back to detached")
			}
		}
		res.Rollback()
	}

	admitted := make([]*part.Part, len(candidates))
	for i, c := range candidates {
		final := filepath.Join(t.dir, infos[i].Name())
		if err := t.ds.AtomicRename(ctx, c.p.Dir, final); err != nil {
			undo()
			return AttachResult{}, fmt.Errorf("error in AtomicRename: %w", err)
		}
		admitted[i] = c.p.Relocated(infos[i], final)
		admitted[i].SetState(part.StatePreActive)
		moved = append(moved, attachCandidate{source: c.source, p: admitted[i]})
	}

	version, err := res.Commit(admitted...)
	if err != nil {
		undo()
		return AttachResult{}, fmt.Errorf("error in Commit: %w", err)
	}

	out := AttachResult{Version: version, Parts: make([]AttachedPart, len(admitted))}
	for i, p := range admitted {
		t.ownDetached.Delete(candidates[i].source)
		out.Parts[i] = AttachedPart{Source: candidates[i].source, Name: p.Name(), Rows: p.Rows}
		logger.Info().Str("source", candidates[i].source).Str("part", p.Name()).Uint64("rows", p.Rows).Msg("attached part")
	}
	metrics.PartsMoved.WithLabelValues(t.name, "attach").Add(float64(len(admitted)))
	return out, nil
}

// admissible loads the part at dir and runs the structural, checksum, format,
// schema and partition gates.
func (t *Table) admissible(dir string, schema metastore.TableSchema, opts AttachOptions) (*part.Part, error) {
	p, err := part.Load(dir)
	if err != nil {
		return nil, err
	}
	if err := verifyPart(p, schema.Settings.IndexGranularity); err != nil {
		return nil, err
	}
	pl, err := reconciler.Reconcile(p, schema, reconciler.Options{
		LegacyMetadataFix: opts.LegacyMetadataFix,
		IndexGranularity:  schema.Settings.IndexGranularity,
	})
	if err != nil {
		return nil, err
	}
	if err := checkPartition(p, pl, schema); err != nil {
		return nil, err
	}
	return p, nil
}

// checkPartition recomputes the partition of every row from the key columns and
// requires it to equal the partition in the part's name.
func checkPartition(p *part.Part, pl *reconciler.Plan, schema metastore.TableSchema) error {
	plans, err := schema.PartitionKey()
	if err != nil {
		return fmt.Errorf("error in PartitionKey: %w", err)
	}
	if len(plans) == 0 {
		if p.Info.PartitionID != part.AllPartition {
			return &part.SchemaIncompatibleError{Part: p.Name(), Reason: fmt.Sprintf("table is not partitioned, part is in partition %s", p.Info.PartitionID)}
		}
		return nil
	}

	keyCols := partitioner.Columns(plans)
	types := make([]coltypes.Type, len(keyCols))
	data := make([][]any, len(keyCols))
	for i, name := range keyCols {
		col, _ := schema.Column(name)
		types[i] = col.Type
		if data[i], err = pl.ReadColumn(p, name, schema.Settings.IndexGranularity); err != nil {
			return fmt.Errorf("error reading partition key column %s: %w", name, err)
		}
	}
	row := make(map[string]any, len(keyCols))
	for r := uint64(0); r < p.Rows; r++ {
		for i, name := range keyCols {
			row[name] = coltypes.Display(types[i], data[i][r])
		}
		id, err := partitioner.GetRowPartition(row, plans)
		if err != nil {
			return &part.SchemaIncompatibleError{Part: p.Name(), Reason: fmt.Sprintf("row %d: %s", r, err)}
		}
		if id != p.Info.PartitionID {
			return &part.SchemaIncompatibleError{Part: p.Name(), Reason: fmt.Sprintf("row %d belongs to partition %s", r, id)}
		}
	}
	return nil
}
